// Package server exposes the drop service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gezibash/drop/internal/drop"
	"github.com/gezibash/drop/internal/observability"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr string
	// PublicURL prefixes the URLs returned by uploads. Empty derives it
	// from the listener address.
	PublicURL string
	// MaxRequestSize caps the whole upload request body; zero disables it.
	MaxRequestSize int64
}

type Server struct {
	httpServer *http.Server
	listener   net.Listener
	publicURL  string
}

func New(cfg Config, svc *drop.Service, obs *observability.Observability) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + lis.Addr().String()
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	var metrics *observability.Metrics
	if obs != nil {
		metrics = obs.Metrics
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           NewHandler(svc, cfg, metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener:  lis,
		publicURL: cfg.PublicURL,
	}, nil
}

// Serve blocks until the server stops. A graceful stop returns nil.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// PublicURL returns the base of the URLs handed to clients.
func (s *Server) PublicURL() string {
	return s.publicURL
}

// Stop drains in-flight requests until ctx expires, then closes the rest.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		slog.Warn("graceful stop timed out, forcing")
		return s.httpServer.Close()
	}
	return err
}
