package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/archive"
	"github.com/arbiter-labs/arbiter/pkg/backup"
	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/gateway"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
)

const pruneInterval = time.Hour

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", os.Getenv("ARBITER_PROFILE"), "optional YAML profile overlaying the environment config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if *profile != "" {
		if err := cfg.ApplyProfile(*profile); err != nil {
			_, _ = fmt.Fprintln(stderr, "config:", err)
			return 1
		}
	}

	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "arbiter",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
		LogLevel:       cfg.LogLevel,
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "observability:", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	registry, err := tenancy.OpenRegistry(cfg.BaseDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "registry:", err)
		return 1
	}
	runtime := tenancy.NewRuntime(cfg.BaseDir, registry, cfg.EventLog)

	var redisLimiter *gateway.RedisLimiter
	if cfg.RedisAddr != "" {
		redisLimiter = gateway.NewRedisLimiter(cfg.RedisAddr)
		defer func() { _ = redisLimiter.Close() }()
	}

	srv := gateway.New(logger, registry, runtime, gateway.Options{
		AuthMode:      cfg.AuthMode,
		JWTSecret:     cfg.JWTSecret,
		APIPepper:     cfg.APIPepper,
		Redis:         redisLimiter,
		Observability: obs,
	})

	pruneSink, err := openColdSink(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "cold sink:", err)
		return 1
	}
	if cfg.EventLog.RetentionSegments > 0 {
		go pruneLoop(ctx, logger, cfg, registry, runtime, pruneSink)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.ListenAddr, "auth_mode", string(cfg.AuthMode))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintln(stderr, "server:", err)
		return 1
	}
	return 0
}

// openColdSink builds the configured cold-storage destination for pruned
// segments and backups. Returns nil when no sink is configured.
func openColdSink(ctx context.Context, cfg *config.Config) (backup.Sink, error) {
	switch cfg.ColdSink {
	case "":
		return nil, nil
	case "dir":
		return backup.NewDirSink(cfg.ColdSinkPath)
	case "s3":
		return backup.NewS3Sink(ctx, backup.S3SinkConfig{Bucket: cfg.ColdSinkPath})
	case "gcs":
		return backup.NewGCSSink(ctx, cfg.ColdSinkPath, "")
	default:
		return nil, fmt.Errorf("unknown cold sink %q", cfg.ColdSink)
	}
}

// pruneLoop applies the retention policy to every live tenant instance,
// offering pruned segments to the cold sink and the Postgres archive when
// configured.
func pruneLoop(ctx context.Context, logger *slog.Logger, cfg *config.Config, registry *tenancy.Registry, runtime *tenancy.Runtime, cold backup.Sink) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, tc := range registry.ListActive() {
			eng, ok := runtime.Peek(tc.ID)
			if !ok {
				continue
			}
			sink, cleanup, err := tenantPruneSink(ctx, cfg, tc.ID, cold)
			if err != nil {
				logger.Warn("prune sink unavailable", "tenant", tc.ID, "error", err)
				continue
			}
			res, err := eng.PruneEventLog(ctx, sink)
			cleanup()
			if err != nil {
				logger.Warn("prune failed", "tenant", tc.ID, "error", err)
				continue
			}
			if len(res.Pruned) > 0 {
				logger.Info("pruned segments", "tenant", tc.ID, "count", len(res.Pruned))
			}
		}
	}
}

// tenantPruneSink fans pruned segments out to the cold sink and, when an
// archive DSN is configured, the tenant's Postgres archive.
func tenantPruneSink(ctx context.Context, cfg *config.Config, tenantID string, cold backup.Sink) (eventlog.Sink, func(), error) {
	sinks := make([]eventlog.Sink, 0, 2)
	cleanup := func() {}
	if cold != nil {
		sinks = append(sinks, prefixSink{inner: cold, prefix: tenantID + "/"})
	}
	if cfg.ArchiveDSN != "" {
		pg, err := archive.Open(ctx, cfg.ArchiveDSN, tenantID)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, pg)
		cleanup = func() { _ = pg.Close() }
	}
	if len(sinks) == 0 {
		return nil, cleanup, nil
	}
	return multiSink(sinks), cleanup, nil
}

// prefixSink namespaces stored objects per tenant.
type prefixSink struct {
	inner  backup.Sink
	prefix string
}

func (p prefixSink) Store(ctx context.Context, name string, data []byte) error {
	return p.inner.Store(ctx, p.prefix+name, data)
}

// multiSink stores to every sink; the first failure aborts so the segment
// is not dropped from the log.
type multiSink []eventlog.Sink

func (m multiSink) Store(ctx context.Context, name string, data []byte) error {
	for _, s := range m {
		if err := s.Store(ctx, name, data); err != nil {
			return err
		}
	}
	return nil
}
