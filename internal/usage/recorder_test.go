package usage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]*model.UsageRecord
	block   chan struct{} // when non-nil, InsertUsage waits on it
}

func (f *fakeUsageStore) InsertUsage(_ context.Context, records []*model.UsageRecord) error {
	if f.block != nil {
		<-f.block
	}
	batch := make([]*model.UsageRecord, len(records))
	copy(batch, records)
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return nil
}

func (f *fakeUsageStore) UsageByRequestID(context.Context, string) (*model.UsageRecord, error) {
	return nil, store.ErrNotFound
}

func (f *fakeUsageStore) UsageTotals(context.Context, time.Time) (*store.UsageTotals, error) {
	return &store.UsageTotals{}, nil
}

func (f *fakeUsageStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record() *model.UsageRecord {
	return &model.UsageRecord{
		ID:        uuid.NewString(),
		APIKeyID:  "key-1",
		RequestID: uuid.NewString(),
		Method:    "POST",
		Endpoint:  "/v1/messages",
		CreatedAt: time.Now(),
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	fs := &fakeUsageStore{}
	r := NewRecorder(fs, nil, discard(), Options{FlushInterval: time.Hour})

	for i := 0; i < 7; i++ {
		r.Record(record())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := fs.total(); got != 7 {
		t.Fatalf("persisted %d records, want 7", got)
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", r.Dropped())
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	fs := &fakeUsageStore{}
	r := NewRecorder(fs, nil, discard(), Options{BatchSize: 3, FlushInterval: time.Hour})
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Record(record())
	}

	deadline := time.Now().Add(2 * time.Second)
	for fs.total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("batch never flushed, persisted %d", fs.total())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushIntervalTriggersFlush(t *testing.T) {
	fs := &fakeUsageStore{}
	r := NewRecorder(fs, nil, discard(), Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer r.Close()

	r.Record(record())

	deadline := time.Now().Add(2 * time.Second)
	for fs.total() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFullBufferDropsAndCounts(t *testing.T) {
	fs := &fakeUsageStore{block: make(chan struct{})}
	r := NewRecorder(fs, nil, discard(), Options{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour})

	// first record pins the goroutine inside the blocked InsertUsage,
	// the next two fill the buffer, everything after that is dropped
	for i := 0; i < 6; i++ {
		r.Record(record())
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no records dropped with a full buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(fs.block)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := fs.total() + int(r.Dropped()); got != 6 {
		t.Fatalf("persisted+dropped = %d, want 6", got)
	}
}
