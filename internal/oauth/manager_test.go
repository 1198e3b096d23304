package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// fakeAccounts is a minimal store.AccountStore for oauth tests.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*model.UpstreamAccount
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[string]*model.UpstreamAccount)}
}

func (f *fakeAccounts) add(a *model.UpstreamAccount) {
	f.mu.Lock()
	f.accounts[a.ID] = a
	f.mu.Unlock()
}

func (f *fakeAccounts) CreateAccount(_ context.Context, a *model.UpstreamAccount) error {
	f.add(a)
	return nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*model.UpstreamAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccounts) ListAccounts(context.Context, string, model.Provider) ([]*model.UpstreamAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) ListAccountsByState(context.Context, ...model.AccountState) ([]*model.UpstreamAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) UpdateAccount(_ context.Context, a *model.UpstreamAccount) error {
	f.add(a)
	return nil
}

func (f *fakeAccounts) DeleteAccount(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeAccounts) AddAccountUsage(context.Context, string, bool) error { return nil }

func (f *fakeAccounts) SetAccountHealth(context.Context, string, *model.HealthStatus, model.AccountState) error {
	return nil
}

func (f *fakeAccounts) SetAccountCredentials(_ context.Context, id, sealed string, state model.AccountState) error {
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

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	return box
}

func testManager(t *testing.T, fs *fakeAccounts, cfg config.OAuthConfig) *Manager {
	t.Helper()
	return NewManager(cfg, fs, testBox(t), Options{})
}

func anthropicCfg(tokenURL string) config.OAuthConfig {
	return config.OAuthConfig{
		Anthropic: config.AnthropicOAuthConfig{
			ClientID:     "client-123",
			AuthorizeURL: "https://claude.ai/oauth/authorize",
			TokenURL:     tokenURL,
			RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
			Scopes:       "org:create_api_key user:profile user:inference",
		},
	}
}

func TestBeginPKCERoundTrip(t *testing.T) {
	m := testManager(t, newFakeAccounts(), anthropicCfg("https://example.invalid/token"))

	params, err := m.Begin("acct-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// challenge must be base64url(SHA-256(verifier))
	sum := sha256.Sum256([]byte(params.CodeVerifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if params.CodeChallenge != want {
		t.Fatalf("challenge mismatch: %q != %q", params.CodeChallenge, want)
	}

	u, err := url.Parse(params.AuthURL)
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge") != want {
		t.Fatal("auth url carries wrong challenge")
	}
	if q.Get("code_challenge_method") != "S256" ||
		q.Get("response_type") != "code" ||
		q.Get("client_id") != "client-123" ||
		q.Get("state") != params.State {
		t.Fatalf("auth url query incomplete: %v", q)
	}
	if len(params.State) != 64 {
		t.Fatalf("state length %d, want 64 hex chars", len(params.State))
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://console.anthropic.com/oauth/code/callback?code=abcDEF1234_-&state=x", "abcDEF1234_-", false},
		{"abcDEF1234_-", "abcDEF1234_-", false},
		{"abcDEF1234#somestate", "abcDEF1234", false},
		{"short", "", true},
		{"has spaces in it!", "", true},
		{"", "", true},
		{"https://example.com/callback?state=x", "", true},
	}
	for _, tc := range cases {
		got, err := ParseCallback(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrBadCode) {
				t.Fatalf("ParseCallback(%q): err=%v, want ErrBadCode", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseCallback(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestCompleteExchangeActivatesAccount(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Origin") != "https://claude.ai" {
			t.Errorf("origin = %q", r.Header.Get("Origin"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
			"scope":         "user:inference",
		})
	}))
	t.Cleanup(srv.Close)

	fs := newFakeAccounts()
	acct := &model.UpstreamAccount{
		ID: "acct-1", OwnerID: "owner", Provider: model.ProviderAnthropic,
		AuthMethod: model.AuthOAuth, State: model.StatePending,
	}
	fs.add(acct)

	m := testManager(t, fs, anthropicCfg(srv.URL))
	params, err := m.Begin("acct-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := m.Complete(context.Background(), params.State, "authcode1234"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if gotBody["grant_type"] != "authorization_code" ||
		gotBody["code"] != "authcode1234" ||
		gotBody["code_verifier"] != params.CodeVerifier ||
		gotBody["state"] != params.State {
		t.Fatalf("exchange body: %v", gotBody)
	}

	got, _ := fs.GetAccount(context.Background(), "acct-1")
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	creds, err := m.box.OpenCredentials(got.EncryptedCredentials)
	if err != nil {
		t.Fatalf("open stored creds: %v", err)
	}
	if creds.AccessToken != "at-new" || creds.RefreshToken != "rt-new" {
		t.Fatalf("stored creds: %+v", creds)
	}
	if creds.ExpiresAt.IsZero() {
		t.Fatal("expires_at not set")
	}

	// session is single-use
	if err := m.Complete(context.Background(), params.State, "authcode1234"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session reuse: err=%v", err)
	}
}

func TestCompleteUnknownState(t *testing.T) {
	m := testManager(t, newFakeAccounts(), anthropicCfg("https://example.invalid/token"))
	if err := m.Complete(context.Background(), "nope", "authcode1234"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m := testManager(t, newFakeAccounts(), anthropicCfg("https://example.invalid/token"))
	params, err := m.Begin("acct-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if err := m.Complete(context.Background(), params.State, "authcode1234"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session: err=%v", err)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	m := testManager(t, newFakeAccounts(), anthropicCfg("https://example.invalid/token"))
	if _, err := m.Begin("acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin("acct-2"); err != nil {
		t.Fatal(err)
	}

	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	m.CleanupExpiredSessions()

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d sessions survived cleanup", n)
	}
}

func TestRefreshMutualExclusion(t *testing.T) {
	var refreshCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-refreshed",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)

	fs := newFakeAccounts()
	box := testBox(t)
	m := NewManager(anthropicCfg(srv.URL), fs, box, Options{})

	stale := &model.Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the refresh margin
	}
	sealed, err := box.SealCredentials(stale)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	acct := &model.UpstreamAccount{
		ID: uuid.NewString(), OwnerID: "owner", Provider: model.ProviderAnthropic,
		AuthMethod: model.AuthOAuth, State: model.StateActive,
		EncryptedCredentials: sealed,
	}
	fs.add(acct)

	const workers = 8
	results := make([]*model.Credentials, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := m.RefreshIfNeeded(context.Background(), acct)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = creds
		}(i)
	}
	wg.Wait()

	if n := refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh called %d times, want 1", n)
	}
	for i, creds := range results {
		if creds == nil || creds.AccessToken != "at-refreshed" {
			t.Fatalf("worker %d observed %+v", i, creds)
		}
	}
}

func TestRefreshSkippedWhenFresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh endpoint called for a fresh token")
	}))
	t.Cleanup(srv.Close)

	fs := newFakeAccounts()
	box := testBox(t)
	m := NewManager(anthropicCfg(srv.URL), fs, box, Options{})

	fresh := &model.Credentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	sealed, _ := box.SealCredentials(fresh)
	acct := &model.UpstreamAccount{
		ID: uuid.NewString(), Provider: model.ProviderAnthropic,
		AuthMethod: model.AuthOAuth, State: model.StateActive,
		EncryptedCredentials: sealed,
	}
	fs.add(acct)

	creds, err := m.RefreshIfNeeded(context.Background(), acct)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if creds.AccessToken != "at-1" {
		t.Fatalf("creds replaced: %+v", creds)
	}
}

func TestDeviceFlow(t *testing.T) {
	authorized := false
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("code_challenge_method"); got != "S256" {
			t.Errorf("code_challenge_method = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://chat.qwen.ai/authorize",
			"expires_in":       900,
			"interval":         5,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("device_code") != "dev-123" {
			t.Errorf("device_code = %q", r.FormValue("device_code"))
		}
		if !authorized {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "qwen-at",
			"refresh_token": "qwen-rt",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	fs := newFakeAccounts()
	acct := &model.UpstreamAccount{
		ID: "qwen-1", Provider: model.ProviderQwen,
		AuthMethod: model.AuthOAuth, State: model.StatePending,
	}
	fs.add(acct)

	cfg := config.OAuthConfig{Qwen: config.QwenOAuthConfig{
		ClientID:      "qwen-client",
		DeviceCodeURL: srv.URL + "/device/code",
		TokenURL:      srv.URL + "/token",
	}}
	m := testManager(t, fs, cfg)

	state, auth, err := m.BeginDevice(context.Background(), "qwen-1")
	if err != nil {
		t.Fatalf("begin device: %v", err)
	}
	if auth.UserCode != "ABCD-EFGH" || auth.Interval != 5 {
		t.Fatalf("device auth: %+v", auth)
	}

	if err := m.PollDevice(context.Background(), state); !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("pending poll: err=%v", err)
	}

	authorized = true
	if err := m.PollDevice(context.Background(), state); err != nil {
		t.Fatalf("authorized poll: %v", err)
	}

	got, _ := fs.GetAccount(context.Background(), "qwen-1")
	if got.State != model.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}

	// session consumed
	if err := m.PollDevice(context.Background(), state); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("poll after success: err=%v", err)
	}
}
