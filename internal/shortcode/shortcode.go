// Package shortcode generates the 8-character aliases used in short download URLs.
package shortcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// Alphabet is the base36 character set of every code.
	Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// Length is the number of characters in a code.
	Length = 8

	// DefaultMaxAttempts bounds regeneration on collision.
	DefaultMaxAttempts = 10

	// Bytes at or above this value are rejected so each symbol is uniform:
	// 252 is the largest multiple of 36 that fits in a byte.
	rejectAbove = 256 - 256%len(Alphabet)
)

// ErrExhausted is returned when every attempt produced a code already in use.
var ErrExhausted = errors.New("short code generation exhausted")

// Checker reports whether a code is already registered.
type Checker interface {
	AliasExists(ctx context.Context, code string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, code string) (bool, error)

func (f CheckerFunc) AliasExists(ctx context.Context, code string) (bool, error) {
	return f(ctx, code)
}

// Generator produces random codes.
type Generator struct {
	rand        io.Reader
	maxAttempts int
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand replaces crypto/rand as the entropy source.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// New returns a Generator reading from crypto/rand.
func New(opts ...Option) *Generator {
	g := &Generator{rand: rand.Reader, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts returns the collision retry bound.
func (g *Generator) MaxAttempts() int { return g.maxAttempts }

// Random returns one code without checking uniqueness.
func (g *Generator) Random() (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// Generate returns a code the checker does not know, retrying on collision
// up to MaxAttempts times.
func (g *Generator) Generate(ctx context.Context, checker Checker) (string, error) {
	for range g.maxAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.Random()
		if err != nil {
			return "", err
		}
		if checker == nil {
			return code, nil
		}
		taken, err := checker.AliasExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check short code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrExhausted, g.maxAttempts)
}

// Valid reports whether s has the shape of a code.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
