// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — optional external connections (Redis KV, ClickHouse)
//  2. initStorage  — credential box, embedded SQLite, blob backups
//  3. initServices — pool, balancer, routes, auth, oauth, prober, usage, metrics
//  4. initGateway  — forwarder, proxy core, management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/backup"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/kv"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/oauth"
	"github.com/nulpointcorp/llm-relay/internal/pool"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/routes"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store/sqlite"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

const shutdownGrace = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — in-process fallbacks when not configured.
	kvStore kv.KV
	mirror  *usage.Mirror

	box *secrets.Box
	st  *sqlite.Store

	scorer   *pool.Scorer
	pool     *pool.Pool
	balancer *pool.Balancer
	routes   *routes.Table
	authn    *auth.Authenticator
	oauthMgr *oauth.Manager
	prober   *pool.Prober
	usageRec *usage.Recorder
	bkup     *backup.Worker

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"storage", a.initStorage},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background workers, and blocks until ctx
// is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.ListenAddr),
		slog.String("db", a.cfg.Database.Path),
		slog.String("strategy", a.cfg.Pool.Strategy),
	)
	// The management API has no user store of its own; the operator
	// authenticates with this derived token.
	a.log.Info("management_token", slog.String("token", a.gw.AdminToken()))

	srv := a.gw.Server(a.mgmt)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(a.cfg.ListenAddr)
	})

	g.Go(func() error {
		a.prober.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.oauthMgr.RunSessionCleanup(gctx)
		return nil
	})

	if a.bkup != nil {
		a.bkup.Run(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.ShutdownWithContext(shCtx); err != nil {
			a.log.Warn("server_shutdown_error", slog.String("error", err.Error()))
		}

		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.bkup != nil {
		_ = a.bkup.Close()
		a.bkup = nil
	}
	if a.usageRec != nil {
		// Drains the buffered records before the store goes away.
		if err := a.usageRec.Close(); err != nil {
			a.log.Error("usage_recorder_close_error", slog.String("error", err.Error()))
		}
		a.usageRec = nil
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Error("clickhouse_close_error", slog.String("error", err.Error()))
		}
		a.mirror = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store_close_error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
	if closer, ok := a.kvStore.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			a.log.Error("kv_close_error", slog.String("error", err.Error()))
		}
	}
	a.kvStore = nil
}
