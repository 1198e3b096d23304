package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// DeviceAuth is the device-flow start response surfaced to the operator.
type DeviceAuth struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

// BeginDevice starts a Qwen device-code authorization for accountID. The
// device code and PKCE verifier are held in the session map keyed by a
// generated state; the operator polls PollDevice with the same state.
func (m *Manager) BeginDevice(ctx context.Context, accountID string) (state string, auth *DeviceAuth, err error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", nil, err
	}
	state, err = generateState()
	if err != nil {
		return "", nil, err
	}

	cfg := &oauth2.Config{
		ClientID: m.cfg.Qwen.ClientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: m.cfg.Qwen.DeviceCodeURL,
			TokenURL:      m.cfg.Qwen.TokenURL,
		},
	}

	authCtx := context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	da, err := cfg.DeviceAuth(authCtx,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	if err != nil {
		return "", nil, fmt.Errorf("oauth: device authorization: %w", err)
	}

	m.putSession(&session{
		state:        state,
		codeVerifier: verifier,
		provider:     model.ProviderQwen,
		accountID:    accountID,
		deviceCode:   da.DeviceCode,
		createdAt:    m.now(),
	})

	interval := da.Interval
	if interval == 0 {
		interval = 5
	}
	expiresIn := int64(0)
	if !da.Expiry.IsZero() {
		expiresIn = int64(da.Expiry.Sub(m.now()).Seconds())
	}

	return state, &DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		ExpiresIn:       expiresIn,
		Interval:        interval,
	}, nil
}

// PollDevice issues one poll of the Qwen token endpoint. Returns
// ErrAuthorizationPending while the user has not approved; on success the
// tokens are stored and the account activates.
func (m *Manager) PollDevice(ctx context.Context, state string) error {
	m.mu.Lock()
	sess, ok := m.sessions[state]
	if ok && m.now().Sub(sess.createdAt) > sessionTTL {
		delete(m.sessions, state)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code":   {sess.deviceCode},
		"client_id":     {m.cfg.Qwen.ClientID},
		"code_verifier": {sess.codeVerifier},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Qwen.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("oauth: device poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: device poll: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("oauth: device poll: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return fmt.Errorf("oauth: device poll: decode: %w", err)
	}

	switch tok.Error {
	case "":
	case "authorization_pending", "slow_down":
		return ErrAuthorizationPending
	default:
		m.deleteSession(state)
		return fmt.Errorf("%w: %s", ErrBadCode, tok.Error)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return ErrAuthorizationPending
	}

	if err := m.storeTokens(ctx, sess.accountID, &tok, nil); err != nil {
		return err
	}
	m.deleteSession(state)
	return nil
}

func (m *Manager) deleteSession(state string) {
	m.mu.Lock()
	delete(m.sessions, state)
	m.mu.Unlock()
}
