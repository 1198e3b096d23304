package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
)

func proberFixture(t *testing.T, probes map[model.Provider]ProbeFunc) (*fakeAccountStore, *Prober, *secrets.Box) {
	t.Helper()
	fs := newFakeAccountStore()
	box, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	p := New(context.Background(), fs, NewScorer(), Options{})
	t.Cleanup(p.Close)
	prober := NewProber(fs, box, p, probes, ProberOptions{Timeout: time.Second})
	return fs, prober, box
}

func sealedCreds(t *testing.T, box *secrets.Box) string {
	t.Helper()
	sealed, err := box.SealCredentials(&model.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return sealed
}

func TestProbeSuccessActivatesPending(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderAnthropic: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return nil
		},
	}
	fs, prober, box := proberFixture(t, probes)

	a := testAccount("owner", model.ProviderAnthropic, model.StatePending)
	a.EncryptedCredentials = sealedCreds(t, box)
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	if got.HealthStatus == nil || !got.HealthStatus.OK {
		t.Fatalf("health = %+v", got.HealthStatus)
	}
	if got.LastHealthCheck == nil {
		t.Fatal("last_health_check not stamped")
	}
}

func TestProbeSuccessRecoversErrorState(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderOpenAI: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return nil
		},
	}
	fs, prober, box := proberFixture(t, probes)

	a := testAccount("owner", model.ProviderOpenAI, model.StateError)
	a.EncryptedCredentials = sealedCreds(t, box)
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
}

func TestProbeTransientFailurePreservesState(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderGemini: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return errors.New("connect timeout")
		},
	}
	fs, prober, box := proberFixture(t, probes)

	// first failure on a healthy account: no prior failed probe
	a := testAccount("owner", model.ProviderGemini, model.StateActive)
	a.EncryptedCredentials = sealedCreds(t, box)
	a.ErrorCount = 10
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.State != model.StateActive {
		t.Fatalf("state flipped on first failure: %s", got.State)
	}
	if got.HealthStatus == nil || got.HealthStatus.OK {
		t.Fatalf("failure not recorded: %+v", got.HealthStatus)
	}
}

func TestProbeRepeatedFailureDemotes(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderGemini: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return errors.New("dns failure")
		},
	}
	fs, prober, box := proberFixture(t, probes)

	a := testAccount("owner", model.ProviderGemini, model.StateActive)
	a.EncryptedCredentials = sealedCreds(t, box)
	a.ErrorCount = 3
	a.HealthStatus = &model.HealthStatus{OK: false, Error: "dns failure", CheckedAt: time.Now()}
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.State != model.StateError {
		t.Fatalf("state = %s, want error after repeated failures", got.State)
	}
}

func TestProbeFailureBelowThresholdPreservesState(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderQwen: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return errors.New("slow")
		},
	}
	fs, prober, box := proberFixture(t, probes)

	a := testAccount("owner", model.ProviderQwen, model.StateActive)
	a.EncryptedCredentials = sealedCreds(t, box)
	a.ErrorCount = 2 // below threshold
	a.HealthStatus = &model.HealthStatus{OK: false, CheckedAt: time.Now()}
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active below threshold", got.State)
	}
}

func TestProbeSkipsUnknownProvider(t *testing.T) {
	fs, prober, box := proberFixture(t, map[model.Provider]ProbeFunc{})

	a := testAccount("owner", model.ProviderAnthropic, model.StateActive)
	a.EncryptedCredentials = sealedCreds(t, box)
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.HealthStatus != nil {
		t.Fatalf("probed without a registered probe: %+v", got.HealthStatus)
	}
}

func TestSweepCancelMidFlight(t *testing.T) {
	release := make(chan struct{})
	probes := map[model.Provider]ProbeFunc{
		model.ProviderAnthropic: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			<-release
			return nil
		},
	}
	fs, prober, box := proberFixture(t, probes)
	prober.concurrency = 1

	for i := 0; i < 3; i++ {
		a := testAccount("owner", model.ProviderAnthropic, model.StateActive)
		a.EncryptedCredentials = sealedCreds(t, box)
		fs.add(a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		prober.Sweep(ctx)
	}()

	// let the first probe start, then cancel while it is still in flight
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not return after cancellation")
	}
}

func TestProbeUnreadableCredentials(t *testing.T) {
	probes := map[model.Provider]ProbeFunc{
		model.ProviderAnthropic: func(context.Context, *model.UpstreamAccount, *model.Credentials) error {
			return nil
		},
	}
	fs, prober, _ := proberFixture(t, probes)

	a := testAccount("owner", model.ProviderAnthropic, model.StateActive)
	a.EncryptedCredentials = "not-a-sealed-blob"
	fs.add(a)

	prober.Sweep(context.Background())

	got, _ := fs.GetAccount(context.Background(), a.ID)
	if got.HealthStatus == nil || got.HealthStatus.OK {
		t.Fatalf("decrypt failure not recorded: %+v", got.HealthStatus)
	}
}
