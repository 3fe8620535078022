package physical_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/gezibash/drop/internal/metastore/physical"
	_ "github.com/gezibash/drop/internal/metastore/physical/memory"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/storage"
)

func TestRegistryMemory(t *testing.T) {
	if !physical.IsRegistered("memory") {
		t.Fatal("memory backend not registered")
	}
	if !slices.Contains(physical.Backends(), "memory") {
		t.Fatalf("Backends = %v", physical.Backends())
	}

	b, err := physical.New(context.Background(), "memory", nil, observability.NewMetrics())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRegistryUnknown(t *testing.T) {
	_, err := physical.New(context.Background(), "nope", nil, observability.NewMetrics())
	var ce *storage.ConfigError
	if !errors.As(err, &ce) || ce.Field != "backend" || ce.Value != "nope" {
		t.Fatalf("New(nope) = %v, want ConfigError on backend", err)
	}
	if !strings.Contains(err.Error(), "memory") {
		t.Fatalf("error should list available backends: %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	physical.Register("memory", nil, nil)
}

func TestAliasTakenIsConflict(t *testing.T) {
	if !errors.Is(physical.ErrAliasTaken, physical.ErrConflict) {
		t.Fatal("ErrAliasTaken should match ErrConflict")
	}
	err := physical.Unavailable("ping", errors.New("dial tcp: refused"))
	if !physical.IsUnavailable(err) {
		t.Fatalf("IsUnavailable(%v) = false", err)
	}
}
