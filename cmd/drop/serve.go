package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gezibash/drop/internal/blobstore"
	"github.com/gezibash/drop/internal/config"
	"github.com/gezibash/drop/internal/drop"
	"github.com/gezibash/drop/internal/mempool"
	"github.com/gezibash/drop/internal/metastore"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/ratelimit"
	"github.com/gezibash/drop/internal/server"
	"github.com/gezibash/drop/internal/storage"

	// Register metadata backends.
	_ "github.com/gezibash/drop/internal/metastore/physical/memory"
	_ "github.com/gezibash/drop/internal/metastore/physical/postgres"
	_ "github.com/gezibash/drop/internal/metastore/physical/redis"
	_ "github.com/gezibash/drop/internal/metastore/physical/sqlite"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the drop HTTP server",
		Long: `Run the drop HTTP server.

Examples:
  drop serve
  drop serve --addr :8080 --public-url https://drop.example.com
  drop serve --metadata-backend postgres    # url from DATABASE_URL
  drop serve --config /etc/drop/drop.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	limits, err := cfg.Storage.Limits()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Observability.ServiceVersion == "dev" {
		cfg.Observability.ServiceVersion = buildVersion()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		SampleRatio:    cfg.Observability.SampleRatio,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	started := false
	defer func() {
		if !started {
			_ = obs.Close(context.Background())
		}
	}()

	capacity := limits.PoolCapacity
	if capacity == 0 {
		capacity = mempool.CapacityFromSystem(ctx, cfg.Storage.PoolRatio, limits.ReservedMemory)
	}
	blobs, err := blobstore.New(blobstore.Config{
		TempDir:         cfg.TempDir(),
		StreamThreshold: limits.StreamThreshold,
		MaxFileSize:     limits.MaxFileSize,
		BufferSize:      int(limits.BufferSize),
	}, mempool.New(capacity), obs.Metrics)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	obs.Shutdown.Register("blobstore", func(context.Context) error {
		return blobs.Close()
	})

	meta, err := metastore.Open(ctx, metastore.Config{
		Backend:       cfg.Metadata.Backend,
		BackendConfig: cfg.BackendConfig(),
		ProbeInterval: cfg.Metadata.ProbeInterval,
		ProbeTimeout:  cfg.Metadata.ProbeTimeout,
		ProbeRetries:  cfg.Metadata.ProbeRetries,
	}, obs.Metrics)
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}
	obs.Shutdown.Register("metastore", func(context.Context) error {
		return meta.Close()
	})

	limiter := ratelimit.New(meta, ratelimit.Config{
		Limit:         cfg.RateLimit.RequestsPerMinute,
		Window:        cfg.RateLimit.Window,
		Retention:     cfg.RateLimit.Retention,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, obs.Metrics)

	svc := drop.New(drop.Config{
		MaxFileSize:   limits.MaxFileSize,
		DefaultTTL:    cfg.Storage.DefaultTTL,
		SweepInterval: cfg.Storage.SweepInterval,
		OrphanGrace:   cfg.Storage.OrphanGrace,
	}, blobs, meta, limiter, obs.Metrics)

	srv, err := server.New(server.Config{
		Addr:           cfg.HTTP.Addr,
		PublicURL:      cfg.HTTP.PublicURL,
		MaxRequestSize: limits.MaxRequestSize,
	}, svc, obs)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	obs.Shutdown.Register("http-server", srv.Stop)

	if _, err := obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr, func() string {
		if svc.CurrentMode() != metastore.Connected {
			return "metadata backend " + cfg.Metadata.Backend + " unreachable"
		}
		return ""
	}); err != nil {
		return err
	}

	slog.Info("serving",
		"addr", srv.Addr(),
		"public_url", srv.PublicURL(),
		"metadata_backend", cfg.Metadata.Backend,
		"mode", meta.Mode(),
		"pool_capacity", storage.FormatBytes(capacity),
		"metrics", cfg.Observability.MetricsAddr)

	started = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return obs.Close(shutdownCtx)
	})
	return g.Wait()
}
