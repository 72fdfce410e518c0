// Package app wires the clubhub client runtime: config, logging, the
// fallback store and every core component, plus the long-running watch mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clubhub/cmd/internal/auth/session"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/membership"
	"clubhub/cmd/internal/metrics"
	"clubhub/cmd/internal/notify"
	"clubhub/cmd/internal/pipeline"
)

// Option configures App construction.
type Option func(*options)

type options struct {
	nav      session.Navigator
	store    fallback.Store
	validate bool
}

// WithNavigator receives login redirects after a teardown.
func WithNavigator(n session.Navigator) Option {
	return func(o *options) { o.nav = n }
}

// WithStore injects a ready store instead of building one from config.
func WithStore(st fallback.Store) Option {
	return func(o *options) { o.store = st }
}

// WithRestoreValidation checks a restored token against /auth/validate-token.
func WithRestoreValidation() Option {
	return func(o *options) { o.validate = true }
}

// App owns the wired client core.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store  fallback.Store
	dbPool *pgxpool.Pool

	transport  *pipeline.Transport
	authAPI    *pipeline.AuthAPI
	session    *session.Manager
	client     *pipeline.Client
	dispatcher *notify.Dispatcher
	membership *membership.Machine
}

// New validates cfg, opens the store, wires the components and restores a
// cached session.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	if o.store != nil {
		a.store = o.store
	} else {
		st, pool, err := newStore(ctx, cfg.Store, log)
		if err != nil {
			return nil, err
		}
		a.store, a.dbPool = st, pool
	}

	if err := a.wire(o.nav); err != nil {
		a.Close()
		return nil, err
	}

	var v session.Validator
	if o.validate {
		v = a.authAPI
	}
	if _, err := a.session.Restore(ctx, v); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(nav session.Navigator) error {
	topts := []pipeline.TransportOption{pipeline.WithTimeout(a.cfg.RequestTimeout)}
	if a.cfg.RateLimit.RPS > 0 {
		topts = append(topts, pipeline.WithRateLimit(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst))
	}
	tr, err := pipeline.NewTransport(a.cfg.APIBaseURL, topts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	a.transport = tr
	a.authAPI = pipeline.NewAuthAPI(tr, a.log)

	sopts := []session.Option{session.WithLogger(a.log), session.WithMetrics(a.metrics)}
	if nav != nil {
		sopts = append(sopts, session.WithNavigator(nav))
	}
	a.session, err = session.New(a.cfg.Session(), a.store, a.authAPI, sopts...)
	if err != nil {
		return err
	}

	a.client, err = pipeline.NewClient(tr, a.session, a.store, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	a.dispatcher, err = notify.New(a.client, a.store,
		notify.WithLogger(a.log),
		notify.WithMetrics(a.metrics),
		notify.WithCacheLimit(a.cfg.Notifications.CacheLimit),
	)
	if err != nil {
		return err
	}

	a.membership, err = membership.New(a.client, a.session, a.store, a.dispatcher,
		membership.WithLogger(a.log),
		membership.WithMetrics(a.metrics),
	)
	return err
}

// Config returns the effective configuration.
func (a *App) Config() Config { return a.cfg }

// Logger returns the app logger.
func (a *App) Logger() Logger { return a.log }

// Session is the token lifecycle manager.
func (a *App) Session() *session.Manager { return a.session }

// Membership is the membership state machine.
func (a *App) Membership() *membership.Machine { return a.membership }

// Notifications is the notification dispatcher.
func (a *App) Notifications() *notify.Dispatcher { return a.dispatcher }

// Client is the request pipeline.
func (a *App) Client() *pipeline.Client { return a.client }

// Login exchanges credentials and installs the resulting session.
func (a *App) Login(ctx context.Context, identifier, password string) (session.Session, error) {
	res, err := a.authAPI.Login(ctx, identifier, password)
	if err != nil {
		return session.Session{}, err
	}
	if err := a.session.SetSession(ctx, &res.Pair); err != nil {
		return session.Session{}, err
	}
	if res.Profile.ID != "" || res.Profile.Name != "" {
		if err := a.session.SetProfile(ctx, res.Profile); err != nil {
			return session.Session{}, err
		}
	}
	s, _ := a.session.Session()
	return s, nil
}

// Close releases timers, the store and the DB pool.
func (a *App) Close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, fallback.ErrClosed) {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newStore builds the configured fallback store. The pool, when any, is
// owned by App; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg StoreConfig, log Logger) (fallback.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case StoreMemory:
		log.Info("store.memory")
		return fallback.NewMemoryStore(), nil, nil

	case StoreFile:
		sealer, err := newSealer(cfg.SealKey, log)
		if err != nil {
			return nil, nil, err
		}
		var fopts []fallback.FileOption
		if sealer != nil {
			fopts = append(fopts, fallback.WithSealer(sealer))
		}
		st, err := fallback.OpenFileStore(cfg.Path, fopts...)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.file", "path", cfg.Path, "sealed", sealer != nil)
		return st, nil, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := fallback.NewPostgresStore(pool, fallback.WithSchema(cfg.Schema), fallback.WithNamespace(cfg.Namespace))
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres", "schema", cfg.Schema, "namespace", cfg.Namespace)
		return st, pool, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown store.driver %q", ErrConfig, cfg.Driver)
}
