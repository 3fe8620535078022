package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCoordinator stops the server's components in reverse start order:
// the HTTP listener first, then the metadata store, then the blob store.
// Shutdown runs at most once; later calls return the first result.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	steps    []shutdownStep
	once     sync.Once
	finalErr error
}

type shutdownStep struct {
	component string
	stop      func(context.Context) error
}

// Register adds a component to stop. Components registered later stop first.
func (s *ShutdownCoordinator) Register(component string, stop func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, shutdownStep{component: component, stop: stop})
}

// Shutdown stops every registered component, continuing past failures.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		steps := append([]shutdownStep(nil), s.steps...)
		s.mu.Unlock()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			start := time.Now()
			if err := step.stop(ctx); err != nil {
				slog.ErrorContext(ctx, "component shutdown failed", "component", step.component, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", step.component, err))
				continue
			}
			slog.InfoContext(ctx, "component stopped", "component", step.component, "took", time.Since(start).Round(time.Millisecond))
		}
		s.finalErr = errors.Join(errs...)
	})
	return s.finalErr
}
