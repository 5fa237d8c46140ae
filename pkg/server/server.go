// Package server wires the rally engine into a running process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/NicolasHaas/rally/pkg/api"
	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/notify"
	"github.com/NicolasHaas/rally/pkg/party"
	"github.com/NicolasHaas/rally/pkg/presence"
	"github.com/NicolasHaas/rally/pkg/queue"
	"github.com/NicolasHaas/rally/pkg/store"
	"github.com/NicolasHaas/rally/pkg/sweep"
)

// PresenceBackend reads and records presence.
type PresenceBackend interface {
	presence.Source
	presence.Writer
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Closers and closes them on shutdown.
type Dependencies struct {
	Store    store.Store
	Presence PresenceBackend // defaults to Store
	Sink     notify.Sink     // defaults to a LogSink
	Closers  []io.Closer
	Now      func() time.Time
}

// Server is the rally daemon.
type Server struct {
	cfg     Config
	deps    Dependencies
	metrics *metrics.Metrics
	oracle  *presence.Oracle
	parties *party.Manager
	queues  *queue.Coordinator
	sweeper *sweep.Sweeper
	handler http.Handler
}

// New assembles a server from cfg and deps.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if deps.Presence == nil {
		deps.Presence = deps.Store
	}
	if deps.Sink == nil {
		deps.Sink = notify.LogSink{Logger: slog.Default()}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Server{cfg: cfg, deps: deps, metrics: metrics.New()}
	s.oracle = presence.NewOracleWithClock(deps.Presence, cfg.PresenceWindow, deps.Now)
	s.parties = party.NewManager(deps.Store, deps.Store, party.Options{
		Oracle:         s.oracle,
		Sink:           deps.Sink,
		Metrics:        s.metrics,
		Now:            deps.Now,
		ExclusiveJoins: cfg.ExclusiveJoins,
	})
	s.queues = queue.NewCoordinator(deps.Store, deps.Store, cfg.QueueCapacity, s.metrics)
	s.sweeper = sweep.New(deps.Store, s.oracle, sweep.Options{
		Sink:     deps.Sink,
		Metrics:  s.metrics,
		Interval: cfg.SweepInterval,
		Now:      deps.Now,
	})
	s.handler = api.NewRouter(api.Deps{
		Parties:  s.parties,
		Queues:   s.queues,
		Presence: deps.Presence,
		Feed:     deps.Store,
		Metrics:  s.metrics,
		Now:      deps.Now,
		Debug:    cfg.Debug,
	})
	return s, nil
}

// Open builds the dependencies named by cfg and assembles a server.
func Open(ctx context.Context, cfg Config) (*Server, error) {
	deps, err := OpenDependencies(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg, deps)
	if err != nil {
		closeAll(deps)
		return nil, err
	}
	return s, nil
}

// OpenDependencies opens the store, presence source and sinks named by cfg.
func OpenDependencies(ctx context.Context, cfg Config) (Dependencies, error) {
	var deps Dependencies

	st, err := OpenStore(cfg)
	if err != nil {
		return deps, err
	}
	deps.Store = st

	switch cfg.PresenceSource {
	case PresenceFromRedis:
		rdb, err := presence.DialRedis(ctx, presence.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			closeAll(deps)
			return Dependencies{}, err
		}
		deps.Closers = append(deps.Closers, rdb)
		deps.Presence = presence.NewRedisSource(rdb, cfg.Redis.KeyPrefix, cfg.Redis.Retention)
		slog.Info("presence source: redis", "addr", cfg.Redis.Addr)
	default:
		deps.Presence = st
	}

	sinks := notify.Fanout{notify.LogSink{Logger: slog.Default()}}
	if cfg.NATS.URL != "" {
		nc, err := notify.ConnectNATS(cfg.NATS.URL, "rallyd")
		if err != nil {
			closeAll(deps)
			return Dependencies{}, err
		}
		deps.Closers = append(deps.Closers, closerFunc(func() error {
			return nc.Drain()
		}))
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.NATS.SubjectPrefix))
		slog.Info("publishing transitions to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	deps.Sink = sinks
	return deps, nil
}

// OpenStore opens the configured store backend.
func OpenStore(cfg Config) (store.Store, error) {
	switch cfg.Store {
	case StoreMemory:
		slog.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(), nil
	case StoreSQLite, "":
		st, err := store.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("server: open store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("server: unknown store %q", cfg.Store)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Parties returns the lifecycle manager.
func (s *Server) Parties() *party.Manager {
	return s.parties
}

// Queues returns the queue coordinator.
func (s *Server) Queues() *queue.Coordinator {
	return s.queues
}

// Sweeper returns the reconciliation sweeper.
func (s *Server) Sweeper() *sweep.Sweeper {
	return s.sweeper
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Store returns the underlying store.
func (s *Server) Store() store.Store {
	return s.deps.Store
}

// Close releases every owned dependency.
func (s *Server) Close() error {
	return closeAll(s.deps)
}

func closeAll(deps Dependencies) error {
	var errs []error
	for i := len(deps.Closers) - 1; i >= 0; i-- {
		errs = append(errs, deps.Closers[i].Close())
	}
	if deps.Store != nil {
		errs = append(errs, deps.Store.Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
