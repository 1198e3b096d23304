package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/backup"
	"github.com/nulpointcorp/llm-relay/internal/blob"
	"github.com/nulpointcorp/llm-relay/internal/kv"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/oauth"
	"github.com/nulpointcorp/llm-relay/internal/pool"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/routes"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store/sqlite"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// initInfra establishes the optional external connections. Redis backs the
// KV layer when configured; otherwise the in-process KV serves alone. The
// ClickHouse mirror is likewise optional.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rkv, err := kv.NewRedisKVFromURL(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.kvStore = rkv
		a.log.Info("redis connected")
	} else {
		a.kvStore = kv.NewMemoryKV(a.baseCtx)
		a.log.Info("kv backend: memory (in-process)")
	}

	if a.cfg.ClickHouse.DSN != "" {
		mirror, err := usage.NewMirror(ctx, a.cfg.ClickHouse)
		if err != nil {
			// Analytics are best-effort; the relay runs without the mirror.
			a.log.Warn("clickhouse unavailable, mirror disabled", slog.String("error", err.Error()))
		} else {
			a.mirror = mirror
			a.log.Info("clickhouse mirror connected", slog.String("table", a.cfg.ClickHouse.Table))
		}
	}

	return nil
}

// initStorage opens the credential box, the embedded SQLite store, and the
// backup sink.
func (a *App) initStorage(_ context.Context) error {
	box, err := secrets.New([]byte(a.cfg.MasterKey))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	a.box = box

	st, err := sqlite.New(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.st = st
	a.log.Info("database ready", slog.String("path", a.cfg.Database.Path))

	if a.cfg.Backup.Dir != "" {
		sink, err := blob.NewFSSink(a.cfg.Backup.Dir)
		if err != nil {
			return fmt.Errorf("backup sink: %w", err)
		}
		a.bkup = backup.New(st, sink, a.log, backup.Options{
			Interval: a.cfg.Backup.Interval,
			Keep:     a.cfg.Backup.Keep,
		})
		a.log.Info("backups enabled",
			slog.String("dir", a.cfg.Backup.Dir),
			slog.Duration("interval", a.cfg.Backup.Interval),
			slog.Int("keep", a.cfg.Backup.Keep),
		)
	}

	return nil
}

// initServices builds the account pool, routing table, authenticator, OAuth
// manager, health prober, usage recorder, and metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.scorer = pool.NewScorer()
	a.pool = pool.New(a.baseCtx, a.st, a.scorer, pool.Options{
		SnapshotTTL: a.cfg.Pool.SnapshotTTL,
		Logger:      a.log,
	})
	a.balancer = pool.NewBalancer(
		a.cfg.Pool.Strategy,
		a.cfg.Pool.MinHealthScore,
		a.scorer,
		rand.New(rand.NewSource(time.Now().UnixNano())),
	)

	tbl, err := routes.New(ctx, a.st)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	a.routes = tbl

	authn, err := auth.New(a.st)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	a.authn = authn

	a.oauthMgr = oauth.NewManager(a.cfg.OAuth, a.st, a.box, oauth.Options{
		ExchangeTimeout: a.cfg.Timeouts.OAuthExchange,
		RefreshTimeout:  a.cfg.Timeouts.TokenRefresh,
		Logger:          a.log,
	})

	probeClient := &http.Client{Timeout: a.cfg.Timeouts.Probe}
	a.prober = pool.NewProber(a.st, a.box, a.pool, upstream.Probes(probeClient), pool.ProberOptions{
		Interval:    a.cfg.Probe.Interval,
		Concurrency: a.cfg.Probe.Concurrency,
		Timeout:     a.cfg.Timeouts.Probe,
		Logger:      a.log,
	})

	a.usageRec = usage.NewRecorder(a.st, a.mirror, a.log, usage.Options{})

	a.prom = metrics.New(metrics.Options{
		UsageDropped: func() int64 {
			if a.usageRec == nil {
				return 0
			}
			return a.usageRec.Dropped()
		},
	})
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the proxy core and the management routes.
func (a *App) initGateway(_ context.Context) error {
	fwd, err := proxy.NewForwarder(a.cfg.Proxies, a.cfg.Timeouts, a.log)
	if err != nil {
		return fmt.Errorf("forwarder: %w", err)
	}

	a.gw = proxy.NewGateway(proxy.Deps{
		Auth:      a.authn,
		Pool:      a.pool,
		Balancer:  a.balancer,
		Routes:    a.routes,
		OAuth:     a.oauthMgr,
		Box:       a.box,
		Forwarder: fwd,
		Store:     a.st,
		Prober:    a.prober,
	}, proxy.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Usage:       a.usageRec,
		KV:          a.kvStore,
		WorkerPool:  a.cfg.WorkerPool,
		CORSOrigins: a.cfg.CORSOrigins,
		JWTSecret:   a.cfg.JWTSecret,
		Timeouts:    a.cfg.Timeouts,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
