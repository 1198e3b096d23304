// Package usage implements non-blocking, batched usage accounting.
//
// Usage records are written to an internal buffered channel and flushed in
// batches by a background goroutine, so recording never blocks the proxy hot
// path. If the channel fills up, new records are dropped and counted in
// Dropped. An optional ClickHouse mirror receives the same batches for
// analytics; mirror failures never affect the primary store.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const (
	defaultBufferSize    = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	flushTimeout         = 5 * time.Second
)

// Options tunes the recorder's internal batching. Zero values pick defaults.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
}

// Recorder accepts usage records and persists them in batches.
type Recorder struct {
	ch        chan *model.UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	batchSize     int
	flushInterval time.Duration

	store  store.UsageStore
	mirror *Mirror // nil when ClickHouse is not configured
	log    *slog.Logger
}

// NewRecorder starts the flush goroutine. mirror may be nil.
func NewRecorder(st store.UsageStore, mirror *Mirror, log *slog.Logger, opts Options) *Recorder {
	opts.defaults()

	r := &Recorder{
		ch:            make(chan *model.UsageRecord, opts.BufferSize),
		done:          make(chan struct{}),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		store:         st,
		mirror:        mirror,
		log:           log,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues one usage record. Never blocks; drops when the buffer is full.
func (r *Recorder) Record(rec *model.UsageRecord) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains the buffer, flushes the final batch, and stops the goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*model.UsageRecord, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.store.InsertUsage(ctx, batch); err != nil {
			r.log.Warn("usage_flush_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		if r.mirror != nil {
			if err := r.mirror.Insert(ctx, batch); err != nil {
				r.log.Warn("usage_mirror_failed",
					slog.Int("records", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
