package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const (
	// snapshotMaxAge is the hard cap after which the sweeper drops an entry
	// regardless of the freshness TTL.
	snapshotMaxAge = 10 * time.Minute
	// sweepInterval is how often the background sweeper runs.
	sweepInterval = 5 * time.Minute
)

type snapshotKey struct {
	ownerID         string
	provider        model.Provider
	includeInactive bool
}

type snapshotEntry struct {
	accounts []*model.UpstreamAccount
	taken    time.Time
}

// Options configures a Pool.
type Options struct {
	// SnapshotTTL is how long a cached snapshot stays fresh. Default: 60s.
	SnapshotTTL time.Duration
	Logger      *slog.Logger
}

// Pool caches read-only account snapshots and funnels all usage and health
// writes back to the store.
type Pool struct {
	store  store.AccountStore
	scorer *Scorer
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[snapshotKey]snapshotEntry

	done chan struct{}
	now  func() time.Time
}

// New creates a Pool and starts the background cache sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func New(ctx context.Context, st store.AccountStore, scorer *Scorer, opts Options) *Pool {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{
		store:  st,
		scorer: scorer,
		ttl:    opts.SnapshotTTL,
		logger: opts.Logger,
		cache:  make(map[snapshotKey]snapshotEntry),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go p.sweep(ctx)
	return p
}

// Snapshot returns the owner's accounts for one provider, ordered by
// priority ascending, weight descending, created_at ascending. Error-state
// accounts are included so the balancer can use them as last-resort
// fallback; pending accounts are never included.
func (p *Pool) Snapshot(ctx context.Context, ownerID string, provider model.Provider, includeInactive bool) ([]*model.UpstreamAccount, error) {
	key := snapshotKey{ownerID: ownerID, provider: provider, includeInactive: includeInactive}

	p.mu.RLock()
	entry, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Sub(entry.taken) < p.ttl {
		return entry.accounts, nil
	}

	all, err := p.store.ListAccounts(ctx, ownerID, provider)
	if err != nil {
		return nil, fmt.Errorf("pool: snapshot: %w", err)
	}

	accounts := make([]*model.UpstreamAccount, 0, len(all))
	for _, a := range all {
		if a.Selectable(includeInactive) || a.State == model.StateError {
			accounts = append(accounts, a)
		}
	}

	p.mu.Lock()
	p.cache[key] = snapshotEntry{accounts: accounts, taken: p.now()}
	p.mu.Unlock()

	return accounts, nil
}

// Invalidate drops all cached snapshots for one owner.
func (p *Pool) Invalidate(ownerID string) {
	p.mu.Lock()
	for key := range p.cache {
		if key.ownerID == ownerID {
			delete(p.cache, key)
		}
	}
	p.mu.Unlock()
}

// RecordUsage atomically bumps the account counters. latencyMs < 0 means no
// latency observation; otherwise health_status is refreshed from the live
// request, and a success moves an error-state account back to active.
func (p *Pool) RecordUsage(ctx context.Context, a *model.UpstreamAccount, success bool, latencyMs int64) error {
	if err := p.store.AddAccountUsage(ctx, a.ID, success); err != nil {
		return fmt.Errorf("pool: record usage: %w", err)
	}
	p.scorer.Invalidate(a.ID)

	if latencyMs < 0 {
		return nil
	}

	health := &model.HealthStatus{OK: success, LatencyMs: latencyMs, CheckedAt: p.now().UTC()}
	nextState := model.AccountState("")
	if success && a.State == model.StateError {
		nextState = model.StateActive
		p.Invalidate(a.OwnerID)
	}
	if err := p.store.SetAccountHealth(ctx, a.ID, health, nextState); err != nil {
		return fmt.Errorf("pool: record usage health: %w", err)
	}
	return nil
}

// MarkFailed transitions the account to error after an upstream auth
// failure. The failed attempt is counted as an error request, health_status
// records the reason, and the owner's snapshots are invalidated so the next
// selection no longer offers the account.
func (p *Pool) MarkFailed(ctx context.Context, a *model.UpstreamAccount, reason string) error {
	if err := p.store.AddAccountUsage(ctx, a.ID, false); err != nil {
		return fmt.Errorf("pool: mark failed: %w", err)
	}
	health := &model.HealthStatus{OK: false, Error: reason, CheckedAt: p.now().UTC()}
	if err := p.store.SetAccountHealth(ctx, a.ID, health, model.StateError); err != nil {
		return fmt.Errorf("pool: mark failed health: %w", err)
	}

	p.scorer.Invalidate(a.ID)
	p.Invalidate(a.OwnerID)

	p.logger.WarnContext(ctx, "account_marked_failed",
		slog.String("account_id", a.ID),
		slog.String("provider", string(a.Provider)),
		slog.String("reason", reason),
	)
	return nil
}

// Close stops the background sweeper.
func (p *Pool) Close() {
	close(p.done)
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictStale()
			p.scorer.sweep()
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Pool) evictStale() {
	now := p.now()
	p.mu.Lock()
	for key, entry := range p.cache {
		if now.Sub(entry.taken) >= snapshotMaxAge {
			delete(p.cache, key)
		}
	}
	p.mu.Unlock()
}
