package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// errorStateThreshold is how many accumulated errors an already-failing
// account needs before a failed probe demotes it to the error state.
// Transient single failures never flip state, which avoids flapping.
const errorStateThreshold = 3

// ProbeFunc issues one minimal validation request against a provider using
// the decrypted credentials. It must honor ctx and return nil iff the
// provider answered 2xx.
type ProbeFunc func(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) error

// ProberOptions configures the background health prober.
type ProberOptions struct {
	// Interval between sweeps. Default: 5m.
	Interval time.Duration
	// Concurrency bounds parallel probes per sweep. Default: 5.
	Concurrency int
	// Timeout is the per-probe deadline. Default: 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Prober periodically validates every active, pending, and error account
// against its provider and transitions account state from the results.
type Prober struct {
	store  store.AccountStore
	box    *secrets.Box
	pool   *Pool
	probes map[model.Provider]ProbeFunc

	interval    time.Duration
	concurrency int64
	timeout     time.Duration
	logger      *slog.Logger

	now func() time.Time
}

// NewProber creates a Prober. probes maps each provider to its validation
// call; providers without an entry are skipped.
func NewProber(st store.AccountStore, box *secrets.Box, p *Pool, probes map[model.Provider]ProbeFunc, opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		store:       st,
		box:         box,
		pool:        p,
		probes:      probes,
		interval:    opts.Interval,
		concurrency: int64(opts.Concurrency),
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Run sweeps until ctx is cancelled. One sweep runs immediately on start.
func (p *Prober) Run(ctx context.Context) {
	p.Sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep probes every probe-eligible account in bounded parallel batches.
func (p *Prober) Sweep(ctx context.Context) {
	accounts, err := p.store.ListAccountsByState(ctx,
		model.StateActive, model.StatePending, model.StateError)
	if err != nil {
		p.logger.ErrorContext(ctx, "probe_sweep_list_error", slog.String("error", err.Error()))
		return
	}

	sem := semaphore.NewWeighted(p.concurrency)
	var wg sync.WaitGroup
	for _, a := range accounts {
		if _, ok := p.probes[a.Provider]; !ok {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(a *model.UpstreamAccount) {
			defer wg.Done()
			defer sem.Release(1)
			p.ProbeOne(ctx, a)
		}(a)
	}

	// wait for in-flight probes even when ctx was cancelled mid-sweep
	wg.Wait()
}

// ProbeOne validates one account and applies the state transition rules:
// success moves pending/error to active; failure demotes to error only when
// the previous probe already failed and error_count has reached the
// threshold.
func (p *Prober) ProbeOne(ctx context.Context, a *model.UpstreamAccount) {
	probe, ok := p.probes[a.Provider]
	if !ok {
		return
	}

	creds, err := p.box.OpenCredentials(a.EncryptedCredentials)
	if err != nil {
		p.logger.ErrorContext(ctx, "probe_decrypt_error",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, a, "credentials unreadable")
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	probeErr := probe(probeCtx, a, creds)
	latency := p.now().Sub(start).Milliseconds()

	if probeErr != nil {
		p.logger.WarnContext(ctx, "probe_failed",
			slog.String("account_id", a.ID),
			slog.String("provider", string(a.Provider)),
			slog.String("error", probeErr.Error()),
		)
		p.recordFailure(ctx, a, probeErr.Error())
		return
	}

	health := &model.HealthStatus{OK: true, LatencyMs: latency, CheckedAt: p.now().UTC()}
	nextState := model.AccountState("")
	if a.State == model.StatePending || a.State == model.StateError {
		nextState = model.StateActive
	}
	if err := p.store.SetAccountHealth(ctx, a.ID, health, nextState); err != nil {
		p.logger.ErrorContext(ctx, "probe_persist_error",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.pool.scorer.Invalidate(a.ID)
	if nextState != "" {
		p.pool.Invalidate(a.OwnerID)
		p.logger.InfoContext(ctx, "account_recovered",
			slog.String("account_id", a.ID),
			slog.String("provider", string(a.Provider)),
			slog.Int64("latency_ms", latency),
		)
	}
}

func (p *Prober) recordFailure(ctx context.Context, a *model.UpstreamAccount, reason string) {
	health := &model.HealthStatus{OK: false, Error: reason, CheckedAt: p.now().UTC()}

	nextState := model.AccountState("")
	previouslyFailing := a.HealthStatus != nil && !a.HealthStatus.OK
	if previouslyFailing && a.ErrorCount >= errorStateThreshold && a.State != model.StateError {
		nextState = model.StateError
	}

	if err := p.store.SetAccountHealth(ctx, a.ID, health, nextState); err != nil {
		p.logger.ErrorContext(ctx, "probe_persist_error",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.pool.scorer.Invalidate(a.ID)
	if nextState != "" {
		p.pool.Invalidate(a.OwnerID)
	}
}
