package shortcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// cyclingReader repeats the same bytes forever so every code is identical.
type cyclingReader struct{ b byte }

func (r cyclingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	return len(p), nil
}

func TestGenerateShape(t *testing.T) {
	g := New()
	seen := make(map[string]bool)
	for range 1000 {
		code, err := g.Generate(context.Background(), nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !Valid(code) {
			t.Fatalf("invalid code %q", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q in 1000 draws", code)
		}
		seen[code] = true
	}
}

func TestRandomRejectsBiasedBytes(t *testing.T) {
	// 252..255 must be skipped; 1 maps to '1' and 37 to '1' as well.
	src := bytes.NewReader(append(bytes.Repeat([]byte{255, 252}, 4), bytes.Repeat([]byte{1, 37}, 8)...))
	g := New(WithRand(src))

	code, err := g.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if code != "11111111" {
		t.Fatalf("Random = %q, want 11111111", code)
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	g := New()
	calls := 0
	checker := CheckerFunc(func(_ context.Context, code string) (bool, error) {
		calls++
		return calls < 3, nil
	})

	code, err := g.Generate(context.Background(), checker)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls != 3 || !Valid(code) {
		t.Fatalf("calls = %d code = %q, want 3 checks and a valid code", calls, code)
	}
}

func TestGenerateExhausted(t *testing.T) {
	g := New(WithRand(cyclingReader{b: 7}), WithMaxAttempts(4))
	calls := 0
	checker := CheckerFunc(func(_ context.Context, code string) (bool, error) {
		calls++
		if code != "77777777" {
			t.Fatalf("unexpected code %q", code)
		}
		return true, nil
	})

	_, err := g.Generate(context.Background(), checker)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Generate = %v, want ErrExhausted", err)
	}
	if calls != 4 {
		t.Fatalf("checks = %d, want 4", calls)
	}
}

func TestGenerateCheckerError(t *testing.T) {
	boom := errors.New("db down")
	_, err := New().Generate(context.Background(), CheckerFunc(func(context.Context, string) (bool, error) {
		return false, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("Generate = %v, want wrapped checker error", err)
	}
}

func TestGenerateEntropyError(t *testing.T) {
	g := New(WithRand(bytes.NewReader(nil)))
	if _, err := g.Generate(context.Background(), nil); !errors.Is(err, io.EOF) {
		t.Fatalf("Generate = %v, want EOF", err)
	}
}

func TestValid(t *testing.T) {
	tests := map[string]bool{
		"abc12345":  true,
		"ABC12345":  false,
		"abc1234":   false,
		"abc123456": false,
		"abc-1234":  false,
	}
	for in, want := range tests {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
