// Package oauth manages upstream-account credential lifecycles: the
// Anthropic authorization-code + PKCE flow, the Qwen device-code flow, and
// serialized token refresh.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// sessionTTL bounds how long an in-progress authorization stays valid.
const sessionTTL = 10 * time.Minute

// refreshMargin is how close to expiry a token triggers a refresh.
const refreshMargin = time.Minute

var (
	// ErrBadCode is returned when a callback code fails validation or the
	// exchange is rejected. Surfaced as 400 on the management endpoint.
	ErrBadCode = errors.New("oauth: invalid authorization code")
	// ErrSessionNotFound is returned when state matches no live session.
	ErrSessionNotFound = errors.New("oauth: session not found or expired")
	// ErrAuthorizationPending is returned by device-flow polls before the
	// user has approved.
	ErrAuthorizationPending = errors.New("oauth: authorization pending")
)

// rawCodePattern validates a bare (non-URL) callback code.
var rawCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AuthParams is everything a client needs to start an authorization.
type AuthParams struct {
	AuthURL       string `json:"auth_url"`
	State         string `json:"state"`
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
}

// session tracks one in-progress authorization.
type session struct {
	state        string
	codeVerifier string
	provider     model.Provider
	accountID    string
	deviceCode   string
	createdAt    time.Time
}

// Options configures a Manager.
type Options struct {
	HTTPClient      *http.Client
	ExchangeTimeout time.Duration
	RefreshTimeout  time.Duration
	Logger          *slog.Logger
}

// Manager drives OAuth flows and owns the short-lived session map plus the
// per-account refresh mutexes.
type Manager struct {
	cfg   config.OAuthConfig
	store store.AccountStore
	box   *secrets.Box

	httpClient      *http.Client
	exchangeTimeout time.Duration
	refreshTimeout  time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	refreshLocks sync.Map // account id -> *sync.Mutex

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg config.OAuthConfig, st store.AccountStore, box *secrets.Box, opts Options) *Manager {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 30 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		cfg:             cfg,
		store:           st,
		box:             box,
		httpClient:      opts.HTTPClient,
		exchangeTimeout: opts.ExchangeTimeout,
		refreshTimeout:  opts.RefreshTimeout,
		logger:          opts.Logger,
		sessions:        make(map[string]*session),
		now:             time.Now,
	}
}

// Begin starts an Anthropic authorization-code flow for accountID and
// returns the parameters the operator needs to authorize in a browser.
func (m *Manager) Begin(accountID string) (*AuthParams, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	challenge := codeChallenge(verifier)

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", m.cfg.Anthropic.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", m.cfg.Anthropic.RedirectURI)
	q.Set("scope", m.cfg.Anthropic.Scopes)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	m.putSession(&session{
		state:        state,
		codeVerifier: verifier,
		provider:     model.ProviderAnthropic,
		accountID:    accountID,
		createdAt:    m.now(),
	})

	return &AuthParams{
		AuthURL:       m.cfg.Anthropic.AuthorizeURL + "?" + q.Encode(),
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
	}, nil
}

// ParseCallback extracts the authorization code from either a full callback
// URL or a raw pasted code. Raw codes must be at least 10 chars of
// [A-Za-z0-9_-]; some providers append "#state" to pasted codes, which is
// split off first.
func ParseCallback(input string) (code string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrBadCode
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", ErrBadCode
		}
		code = u.Query().Get("code")
		if code == "" {
			return "", ErrBadCode
		}
		return code, nil
	}

	code, _, _ = strings.Cut(input, "#")
	if len(code) < 10 || !rawCodePattern.MatchString(code) {
		return "", ErrBadCode
	}
	return code, nil
}

// tokenResponse is the provider token endpoint payload shared by exchange,
// refresh, and the device flow.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

// Complete exchanges the callback code for tokens and activates the
// session's account. The session is discarded on success.
func (m *Manager) Complete(ctx context.Context, state, code string) error {
	sess, ok := m.takeSession(state)
	if !ok {
		return ErrSessionNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     m.cfg.Anthropic.ClientID,
		"redirect_uri":  m.cfg.Anthropic.RedirectURI,
		"code_verifier": sess.codeVerifier,
	})
	if err != nil {
		return fmt.Errorf("oauth: marshal exchange: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Anthropic.TokenURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("oauth: exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The token endpoint only serves the first-party CLI; mimic it.
	req.Header.Set("User-Agent", "claude-cli/1.0.119 (external, cli)")
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Referer", "https://claude.ai/")

	tok, err := m.doTokenRequest(req)
	if err != nil {
		// put the session back so the operator can retry with a fresh code
		m.putSession(sess)
		return fmt.Errorf("%w: %v", ErrBadCode, err)
	}

	if err := m.storeTokens(ctx, sess.accountID, tok, nil); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "oauth_exchange_success",
		slog.String("account_id", sess.accountID),
		slog.String("provider", string(sess.provider)),
	)
	return nil
}

// RefreshIfNeeded returns fresh credentials for an OAuth account,
// refreshing when the access token expires within a minute. Refresh is
// serialized per account; concurrent callers share the result because the
// winner persists the new token before releasing the mutex and everyone
// else re-reads the stored credentials.
func (m *Manager) RefreshIfNeeded(ctx context.Context, a *model.UpstreamAccount) (*model.Credentials, error) {
	creds, err := m.box.OpenCredentials(a.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("oauth: open credentials: %w", err)
	}
	if a.AuthMethod != model.AuthOAuth || !creds.TokenExpiringWithin(refreshMargin) {
		return creds, nil
	}

	lock := m.accountLock(a.ID)
	lock.Lock()
	defer lock.Unlock()

	// another request may have refreshed while we waited
	fresh, err := m.store.GetAccount(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("oauth: reload account: %w", err)
	}
	creds, err = m.box.OpenCredentials(fresh.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("oauth: open credentials: %w", err)
	}
	if !creds.TokenExpiringWithin(refreshMargin) {
		return creds, nil
	}

	return m.refresh(ctx, a, creds)
}

// refresh calls the provider token endpoint with grant_type=refresh_token
// and persists the result. Caller holds the account lock.
func (m *Manager) refresh(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) (*model.Credentials, error) {
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("oauth: no refresh token for account %s", a.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	tokenURL := m.cfg.Anthropic.TokenURL
	if a.Provider == model.ProviderQwen {
		tokenURL = m.cfg.Qwen.TokenURL
	}

	var req *http.Request
	var err error
	switch a.Provider {
	case model.ProviderQwen:
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {creds.RefreshToken},
			"client_id":     {m.cfg.Qwen.ClientID},
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		var body []byte
		body, err = json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": creds.RefreshToken,
			"client_id":     m.cfg.Anthropic.ClientID,
		})
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
		}
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh request: %w", err)
	}

	tok, err := m.doTokenRequest(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh: %w", err)
	}

	next := &model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		Scopes:       creds.Scopes,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		next.ExpiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	sealed, err := m.box.SealCredentials(next)
	if err != nil {
		return nil, fmt.Errorf("oauth: seal refreshed credentials: %w", err)
	}
	if err := m.store.SetAccountCredentials(ctx, a.ID, sealed, model.StateActive); err != nil {
		return nil, fmt.Errorf("oauth: persist refreshed credentials: %w", err)
	}

	m.logger.InfoContext(ctx, "oauth_token_refreshed",
		slog.String("account_id", a.ID),
		slog.String("provider", string(a.Provider)),
	)
	return next, nil
}

// CleanupExpiredSessions removes sessions older than sessionTTL.
func (m *Manager) CleanupExpiredSessions() {
	cutoff := m.now().Add(-sessionTTL)
	m.mu.Lock()
	for state, s := range m.sessions {
		if s.createdAt.Before(cutoff) {
			delete(m.sessions, state)
		}
	}
	m.mu.Unlock()
}

// RunSessionCleanup sweeps the session map every minute until ctx ends.
func (m *Manager) RunSessionCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpiredSessions()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) doTokenRequest(req *http.Request) (*tokenResponse, error) {
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var tok tokenResponse
		if json.Unmarshal(payload, &tok) == nil && tok.Error != "" {
			return nil, fmt.Errorf("token endpoint: %s (status %d)", tok.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("token endpoint: status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, fmt.Errorf("token endpoint: decode: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint: empty access_token")
	}
	return &tok, nil
}

// storeTokens seals the token set and activates the account.
func (m *Manager) storeTokens(ctx context.Context, accountID string, tok *tokenResponse, prev *model.Credentials) error {
	creds := &model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if prev != nil && creds.RefreshToken == "" {
		creds.RefreshToken = prev.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		creds.ExpiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if tok.Scope != "" {
		creds.Scopes = strings.Fields(tok.Scope)
	}

	sealed, err := m.box.SealCredentials(creds)
	if err != nil {
		return fmt.Errorf("oauth: seal credentials: %w", err)
	}
	if err := m.store.SetAccountCredentials(ctx, accountID, sealed, model.StateActive); err != nil {
		return fmt.Errorf("oauth: persist credentials: %w", err)
	}
	return nil
}

func (m *Manager) putSession(s *session) {
	m.mu.Lock()
	m.sessions[s.state] = s
	m.mu.Unlock()
}

func (m *Manager) takeSession(state string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[state]
	if !ok {
		return nil, false
	}
	if m.now().Sub(s.createdAt) > sessionTTL {
		delete(m.sessions, state)
		return nil, false
	}
	delete(m.sessions, state)
	return s, true
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	v, _ := m.refreshLocks.LoadOrStore(accountID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
