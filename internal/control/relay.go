// Package control wires the relay together: durable store, connectivity
// monitor, outbox service, processors and the health server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/health"
	"github.com/vietddude/relay/internal/infra/connectivity"
	"github.com/vietddude/relay/internal/infra/httpcall"
	"github.com/vietddude/relay/internal/infra/store"
	"github.com/vietddude/relay/internal/outbox"
	"github.com/vietddude/relay/internal/processor"
)

// Config holds the application configuration.
type Config struct {
	Port         int
	Store        config.StoreConfig
	Connectivity connectivity.ProbeConfig
	API          processor.APIConfig
	Outbox       config.OutboxConfig
}

// Relay is the main application struct that manages the relay lifecycle.
type Relay struct {
	cfg          Config
	st           store.Store
	closeStore   func()
	monitor      *connectivity.ProbeMonitor
	registry     *outbox.Registry
	svc          *outbox.Service
	healthServer *health.Server
	log          *slog.Logger
	tickStop     chan struct{}
}

// OpenStore builds the configured durable store. The returned cleanup closes
// any underlying connection; call it exactly once.
func OpenStore(cfg config.StoreConfig) (store.Store, func(), error) {
	log := slog.Default()
	noop := func() {}

	switch cfg.Backend {
	case "", "memory":
		log.Info("Using in-memory storage (state will not survive restart)")
		return store.NewMemoryStore(), noop, nil
	case "file":
		fs, err := store.NewFileStore(cfg.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init file store: %w", err)
		}
		log.Info("Using file storage", "path", cfg.FilePath)
		return fs, noop, nil
	case "redis":
		rs, err := store.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init redis store: %w", err)
		}
		log.Info("Using Redis storage")
		return rs, func() {
			if err := rs.Close(); err != nil {
				log.Warn("Failed to close Redis", "error", err)
			}
		}, nil
	case "postgres":
		ps, err := store.NewPostgresStore(context.Background(), cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init postgres store: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		if err := goose.Up(ps.DB(), "migrations"); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		log.Info("Using PostgreSQL storage")
		return ps, func() {
			if err := ps.Close(); err != nil {
				log.Warn("Failed to close database", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewRelay creates a Relay instance with all dependencies initialized.
func NewRelay(cfg Config) (*Relay, error) {
	r := &Relay{
		cfg:      cfg,
		log:      slog.Default(),
		tickStop: make(chan struct{}),
	}

	st, closeStore, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	r.st = st
	r.closeStore = closeStore

	r.monitor = connectivity.NewProbeMonitor(cfg.Connectivity)

	r.registry = outbox.NewRegistry()
	api := processor.NewAPI(cfg.API, httpcall.New(&http.Client{}))
	api.Register(r.registry)

	return r, nil
}

// Start brings up the monitor, the outbox and the health server.
func (r *Relay) Start(ctx context.Context) error {
	r.monitor.Start(ctx)

	svc, err := outbox.New(ctx, r.st, r.monitor, r.registry, outbox.Options{
		Policy: r.cfg.Outbox.Policy,
	})
	if err != nil {
		return fmt.Errorf("failed to init outbox: %w", err)
	}
	r.svc = svc

	r.healthServer = health.NewServer(svc, r.monitor, r.cfg.Port)
	go func() {
		if err := r.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			r.log.Error("Health server failed", "error", err)
		}
	}()

	// Periodic drain so items whose backoff elapsed get retried even when no
	// enqueue or connectivity transition arrives.
	go r.runTicker(ctx, r.cfg.Outbox.TickInterval)

	r.log.Info("Relay started", "port", r.cfg.Port)
	return nil
}

// Outbox exposes the queue service to embedding applications.
func (r *Relay) Outbox() *outbox.Service {
	return r.svc
}

func (r *Relay) runTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.tickStop:
			return
		case <-ticker.C:
			if r.svc.HasPending() {
				r.svc.Process(ctx)
			}
		}
	}
}

// Stop shuts the relay down. An in-flight drain pass finishes on its own.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping relay...")

	close(r.tickStop)
	if r.svc != nil {
		r.svc.Close()
	}
	r.monitor.Stop()
	r.closeStore()

	if r.healthServer != nil {
		return r.healthServer.Stop(ctx)
	}
	return nil
}
