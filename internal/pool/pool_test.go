package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// fakeAccountStore is an in-memory store.AccountStore for pool tests.
type fakeAccountStore struct {
	mu        sync.Mutex
	accounts  map[string]*model.UpstreamAccount
	listCalls int
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]*model.UpstreamAccount)}
}

func (f *fakeAccountStore) add(a *model.UpstreamAccount) {
	f.mu.Lock()
	f.accounts[a.ID] = a
	f.mu.Unlock()
}

func (f *fakeAccountStore) CreateAccount(_ context.Context, a *model.UpstreamAccount) error {
	f.add(a)
	return nil
}

func (f *fakeAccountStore) GetAccount(_ context.Context, id string) (*model.UpstreamAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccountStore) ListAccounts(_ context.Context, ownerID string, provider model.Provider) ([]*model.UpstreamAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []*model.UpstreamAccount
	for _, a := range f.accounts {
		if a.OwnerID != ownerID {
			continue
		}
		if provider != model.ProviderAny && a.Provider != provider {
			continue
		}
		out = append(out, a)
	}
	sortSnapshot(out)
	return out, nil
}

func (f *fakeAccountStore) ListAccountsByState(_ context.Context, states ...model.AccountState) ([]*model.UpstreamAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.UpstreamAccount
	for _, a := range f.accounts {
		for _, st := range states {
			if a.State == st {
				out = append(out, a)
				break
			}
		}
	}
	sortSnapshot(out)
	return out, nil
}

func (f *fakeAccountStore) UpdateAccount(_ context.Context, a *model.UpstreamAccount) error {
	f.add(a)
	return nil
}

func (f *fakeAccountStore) DeleteAccount(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[id]; !ok {
		return 0, nil
	}
	delete(f.accounts, id)
	return 1, nil
}

func (f *fakeAccountStore) AddAccountUsage(_ context.Context, id string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.RequestCount++
	if success {
		a.SuccessCount++
	} else {
		a.ErrorCount++
	}
	return nil
}

func (f *fakeAccountStore) SetAccountHealth(_ context.Context, id string, health *model.HealthStatus, state model.AccountState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.HealthStatus = health
	now := time.Now()
	a.LastHealthCheck = &now
	if state != "" {
		a.State = state
	}
	return nil
}

func (f *fakeAccountStore) SetAccountCredentials(_ context.Context, id, sealed string, state model.AccountState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.EncryptedCredentials = sealed
	a.State = state
	return nil
}

func sortSnapshot(accounts []*model.UpstreamAccount) {
	for i := 1; i < len(accounts); i++ {
		for j := i; j > 0 && snapshotLess(accounts[j], accounts[j-1]); j-- {
			accounts[j], accounts[j-1] = accounts[j-1], accounts[j]
		}
	}
}

func snapshotLess(a, b *model.UpstreamAccount) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func testAccount(owner string, provider model.Provider, state model.AccountState) *model.UpstreamAccount {
	return &model.UpstreamAccount{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Provider:  provider,
		State:     state,
		Priority:  5,
		Weight:    100,
		CreatedAt: time.Now(),
	}
}

func TestSnapshotCachesUntilTTL(t *testing.T) {
	fs := newFakeAccountStore()
	fs.add(testAccount("owner", model.ProviderAnthropic, model.StateActive))

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{SnapshotTTL: time.Hour})
	t.Cleanup(p.Close)

	for i := 0; i < 3; i++ {
		accounts, err := p.Snapshot(ctx, "owner", model.ProviderAnthropic, false)
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		if len(accounts) != 1 {
			t.Fatalf("snapshot %d: got %d accounts", i, len(accounts))
		}
	}
	if fs.listCalls != 1 {
		t.Fatalf("store hit %d times, want 1 (cache miss only)", fs.listCalls)
	}
}

func TestSnapshotExpiresAfterTTL(t *testing.T) {
	fs := newFakeAccountStore()
	fs.add(testAccount("owner", model.ProviderAnthropic, model.StateActive))

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{SnapshotTTL: time.Minute})
	t.Cleanup(p.Close)

	base := time.Now()
	p.now = func() time.Time { return base }
	if _, err := p.Snapshot(ctx, "owner", model.ProviderAnthropic, false); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := p.Snapshot(ctx, "owner", model.ProviderAnthropic, false); err != nil {
		t.Fatalf("snapshot after ttl: %v", err)
	}
	if fs.listCalls != 2 {
		t.Fatalf("store hit %d times, want 2 (ttl elapsed)", fs.listCalls)
	}
}

func TestSnapshotStateFilter(t *testing.T) {
	fs := newFakeAccountStore()
	fs.add(testAccount("owner", model.ProviderOpenAI, model.StateActive))
	fs.add(testAccount("owner", model.ProviderOpenAI, model.StateInactive))
	fs.add(testAccount("owner", model.ProviderOpenAI, model.StateError))
	fs.add(testAccount("owner", model.ProviderOpenAI, model.StatePending))

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{})
	t.Cleanup(p.Close)

	// active + error by default; pending never
	got, err := p.Snapshot(ctx, "owner", model.ProviderOpenAI, false)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d accounts, want 2", len(got))
	}

	got, err = p.Snapshot(ctx, "owner", model.ProviderOpenAI, true)
	if err != nil {
		t.Fatalf("snapshot inactive: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d accounts with inactive, want 3", len(got))
	}
}

func TestSnapshotOrderPreserved(t *testing.T) {
	fs := newFakeAccountStore()
	mk := func(priority, weight int, created time.Time) *model.UpstreamAccount {
		a := testAccount("owner", model.ProviderGemini, model.StateActive)
		a.Priority = priority
		a.Weight = weight
		a.CreatedAt = created
		return a
	}
	base := time.Now()
	fs.add(mk(2, 100, base))
	fs.add(mk(1, 50, base.Add(time.Second)))
	fs.add(mk(1, 200, base.Add(2*time.Second)))
	fs.add(mk(1, 50, base))

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{})
	t.Cleanup(p.Close)

	got, err := p.Snapshot(ctx, "owner", model.ProviderGemini, false)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if snapshotLess(got[i], got[i-1]) {
			t.Fatalf("snapshot out of order at %d", i)
		}
	}
}

func TestInvalidateDropsOwnerEntries(t *testing.T) {
	fs := newFakeAccountStore()
	fs.add(testAccount("owner-a", model.ProviderAnthropic, model.StateActive))
	fs.add(testAccount("owner-b", model.ProviderAnthropic, model.StateActive))

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{SnapshotTTL: time.Hour})
	t.Cleanup(p.Close)

	if _, err := p.Snapshot(ctx, "owner-a", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Snapshot(ctx, "owner-b", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}

	p.Invalidate("owner-a")

	if _, err := p.Snapshot(ctx, "owner-a", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Snapshot(ctx, "owner-b", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}
	if fs.listCalls != 3 {
		t.Fatalf("store hit %d times, want 3 (only owner-a refetched)", fs.listCalls)
	}
}

func TestRecordUsageRecoversErrorAccount(t *testing.T) {
	fs := newFakeAccountStore()
	a := testAccount("owner", model.ProviderQwen, model.StateError)
	fs.add(a)

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{})
	t.Cleanup(p.Close)

	if err := p.RecordUsage(ctx, a, true, 120); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	got, _ := fs.GetAccount(ctx, a.ID)
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active after success", got.State)
	}
	if got.RequestCount != 1 || got.SuccessCount != 1 {
		t.Fatalf("counters req=%d ok=%d", got.RequestCount, got.SuccessCount)
	}
	if got.HealthStatus == nil || !got.HealthStatus.OK || got.HealthStatus.LatencyMs != 120 {
		t.Fatalf("health = %+v", got.HealthStatus)
	}
}

func TestRecordUsageWithoutLatencySkipsHealth(t *testing.T) {
	fs := newFakeAccountStore()
	a := testAccount("owner", model.ProviderQwen, model.StateActive)
	fs.add(a)

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{})
	t.Cleanup(p.Close)

	if err := p.RecordUsage(ctx, a, false, -1); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	got, _ := fs.GetAccount(ctx, a.ID)
	if got.HealthStatus != nil {
		t.Fatalf("health written without latency: %+v", got.HealthStatus)
	}
	if got.ErrorCount != 1 {
		t.Fatalf("error_count = %d", got.ErrorCount)
	}
	// failure alone never flips state; that is MarkFailed's job
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
}

func TestMarkFailed(t *testing.T) {
	fs := newFakeAccountStore()
	a := testAccount("owner", model.ProviderAnthropic, model.StateActive)
	fs.add(a)

	ctx := context.Background()
	p := New(ctx, fs, NewScorer(), Options{SnapshotTTL: time.Hour})
	t.Cleanup(p.Close)

	// warm the cache so MarkFailed's invalidation is observable
	if _, err := p.Snapshot(ctx, "owner", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}

	if err := p.MarkFailed(ctx, a, "provider returned 401"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := fs.GetAccount(ctx, a.ID)
	if got.State != model.StateError {
		t.Fatalf("state = %s, want error", got.State)
	}
	if got.ErrorCount != 1 || got.RequestCount != 1 {
		t.Fatalf("counters req=%d err=%d", got.RequestCount, got.ErrorCount)
	}
	if got.HealthStatus == nil || got.HealthStatus.OK || got.HealthStatus.Error != "provider returned 401" {
		t.Fatalf("health = %+v", got.HealthStatus)
	}

	// snapshot was invalidated: next call refetches
	calls := fs.listCalls
	if _, err := p.Snapshot(ctx, "owner", model.ProviderAnthropic, false); err != nil {
		t.Fatal(err)
	}
	if fs.listCalls != calls+1 {
		t.Fatal("snapshot cache not invalidated by MarkFailed")
	}
}
