// Package backup snapshots the embedded database into a blob sink on a
// fixed interval and prunes old snapshots past the retention count.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/blob"
)

const snapshotPrefix = "snapshot-"

// Snapshotter produces a consistent database copy at dst. The SQLite store
// implements this with VACUUM INTO.
type Snapshotter interface {
	Snapshot(ctx context.Context, dst string) error
}

// Options configures the backup worker.
type Options struct {
	// Interval between snapshots. Default: 1h.
	Interval time.Duration
	// Keep is how many snapshots to retain. Default: 24.
	Keep int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.Keep <= 0 {
		o.Keep = 24
	}
}

// Worker runs the periodic snapshot loop.
type Worker struct {
	db   Snapshotter
	sink blob.Sink
	log  *slog.Logger

	interval time.Duration
	keep     int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// New creates a Worker. Call Run to start the loop.
func New(db Snapshotter, sink blob.Sink, log *slog.Logger, opts Options) *Worker {
	opts.defaults()
	return &Worker{
		db:       db,
		sink:     sink,
		log:      log,
		interval: opts.Interval,
		keep:     opts.Keep,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Run takes one snapshot immediately, then loops on the interval until the
// context is canceled or Close is called.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.snapshotAndPrune(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.snapshotAndPrune(ctx)
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
	}()
}

// Close stops the loop and waits for an in-flight snapshot to finish.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *Worker) snapshotAndPrune(ctx context.Context) {
	name, err := w.SnapshotOnce(ctx)
	if err != nil {
		w.log.Warn("backup_failed", slog.String("error", err.Error()))
		return
	}
	w.log.Info("backup_written", slog.String("name", name))

	if err := w.prune(ctx); err != nil {
		w.log.Warn("backup_prune_failed", slog.String("error", err.Error()))
	}
}

// SnapshotOnce takes a single snapshot and stores it in the sink. It returns
// the stored object name.
func (w *Worker) SnapshotOnce(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "relay-backup-*")
	if err != nil {
		return "", fmt.Errorf("backup: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// VACUUM INTO refuses to overwrite, so the file must not pre-exist.
	tmpFile := filepath.Join(tmpDir, "snapshot.db")
	if err := w.db.Snapshot(ctx, tmpFile); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	f, err := os.Open(tmpFile)
	if err != nil {
		return "", fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer f.Close()

	name := snapshotPrefix + w.now().UTC().Format("20060102T150405") + ".db"
	if err := w.sink.Put(ctx, name, f); err != nil {
		return "", fmt.Errorf("backup: store %s: %w", name, err)
	}
	return name, nil
}

// prune removes the oldest snapshots beyond the retention count.
func (w *Worker) prune(ctx context.Context) error {
	objects, err := w.sink.List(ctx, snapshotPrefix)
	if err != nil {
		return err
	}
	if len(objects) <= w.keep {
		return nil
	}
	for _, obj := range objects[:len(objects)-w.keep] {
		if err := w.sink.Delete(ctx, obj.Name); err != nil {
			return fmt.Errorf("delete %s: %w", obj.Name, err)
		}
		w.log.Info("backup_pruned", slog.String("name", obj.Name))
	}
	return nil
}
