package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/oauth"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// apiKeyPrefix marks gateway-issued secrets so they are recognisable in
// client configs and never confused with provider keys.
const apiKeyPrefix = "rly_"

// ── Accounts ──────────────────────────────────────────────────────────────────

// accountView is the management representation of an account. Credentials
// never leave the server.
type accountView struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"owner_id"`
	Name         string              `json:"name"`
	Provider     model.Provider      `json:"provider"`
	AuthMethod   model.AuthMethod    `json:"auth_method"`
	State        model.AccountState  `json:"state"`
	Priority     int                 `json:"priority"`
	Weight       int                 `json:"weight"`
	ProxyBinding string              `json:"proxy_binding,omitempty"`
	RequestCount int64               `json:"request_count"`
	SuccessCount int64               `json:"success_count"`
	ErrorCount   int64               `json:"error_count"`
	HealthStatus *model.HealthStatus `json:"health_status,omitempty"`
	LastUsedAt   *time.Time          `json:"last_used_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

func viewAccount(a *model.UpstreamAccount) accountView {
	return accountView{
		ID:           a.ID,
		OwnerID:      a.OwnerID,
		Name:         a.Name,
		Provider:     a.Provider,
		AuthMethod:   a.AuthMethod,
		State:        a.State,
		Priority:     a.Priority,
		Weight:       a.Weight,
		ProxyBinding: a.ProxyBinding,
		RequestCount: a.RequestCount,
		SuccessCount: a.SuccessCount,
		ErrorCount:   a.ErrorCount,
		HealthStatus: a.HealthStatus,
		LastUsedAt:   a.LastUsedAt,
		CreatedAt:    a.CreatedAt,
	}
}

func (g *Gateway) handleListAccounts(ctx *fasthttp.RequestCtx) {
	ownerID := string(ctx.QueryArgs().Peek("owner_id"))
	if ownerID == "" {
		badRequest(ctx, "owner_id query parameter is required")
		return
	}

	accounts, err := g.st.ListAccounts(ctx, ownerID, model.ProviderAny)
	if err != nil {
		g.internalError(ctx, "list accounts failed", err)
		return
	}

	views := make([]accountView, len(accounts))
	for i, a := range accounts {
		views[i] = viewAccount(a)
	}
	writeJSON(ctx, fasthttp.StatusOK, views)
}

type createAccountRequest struct {
	OwnerID      string             `json:"owner_id"`
	Name         string             `json:"name"`
	Provider     model.Provider     `json:"provider"`
	AuthMethod   model.AuthMethod   `json:"auth_method"`
	Priority     int                `json:"priority"`
	Weight       int                `json:"weight"`
	ProxyBinding string             `json:"proxy_binding"`
	Credentials  *model.Credentials `json:"credentials"`
}

func (g *Gateway) handleCreateAccount(ctx *fasthttp.RequestCtx) {
	var req createAccountRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}

	if req.OwnerID == "" || !req.Provider.Valid() {
		badRequest(ctx, "owner_id and a valid provider are required")
		return
	}
	if req.AuthMethod != model.AuthAPIKey && req.AuthMethod != model.AuthOAuth {
		badRequest(ctx, "auth_method must be api_key or oauth")
		return
	}
	if req.AuthMethod == model.AuthAPIKey && (req.Credentials == nil || req.Credentials.APIKey == "") {
		badRequest(ctx, "api_key credentials are required")
		return
	}

	if req.Priority < 1 || req.Priority > 10 {
		req.Priority = 5
	}
	if req.Weight < 1 || req.Weight > 1000 {
		req.Weight = 100
	}

	creds := req.Credentials
	if creds == nil {
		creds = &model.Credentials{}
	}
	sealed, err := g.box.SealCredentials(creds)
	if err != nil {
		g.internalError(ctx, "credential sealing failed", err)
		return
	}

	// OAuth accounts stay pending until the token flow completes.
	state := model.StateActive
	if req.AuthMethod == model.AuthOAuth && creds.AccessToken == "" {
		state = model.StatePending
	}

	account := &model.UpstreamAccount{
		ID:                   uuid.NewString(),
		OwnerID:              req.OwnerID,
		Name:                 req.Name,
		Provider:             req.Provider,
		AuthMethod:           req.AuthMethod,
		EncryptedCredentials: sealed,
		State:                state,
		Priority:             req.Priority,
		Weight:               req.Weight,
		ProxyBinding:         req.ProxyBinding,
	}

	if err := g.st.CreateAccount(ctx, account); err != nil {
		g.internalError(ctx, "create account failed", err)
		return
	}
	g.pool.Invalidate(req.OwnerID)

	writeJSON(ctx, fasthttp.StatusCreated, viewAccount(account))
}

type updateAccountRequest struct {
	Name         *string             `json:"name"`
	Priority     *int                `json:"priority"`
	Weight       *int                `json:"weight"`
	State        *model.AccountState `json:"state"`
	ProxyBinding *string             `json:"proxy_binding"`
}

func (g *Gateway) handleUpdateAccount(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	account, err := g.st.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "account not found")
			return
		}
		g.internalError(ctx, "get account failed", err)
		return
	}

	var req updateAccountRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}

	if req.Name != nil {
		account.Name = *req.Name
	}
	if req.Priority != nil && *req.Priority >= 1 && *req.Priority <= 10 {
		account.Priority = *req.Priority
	}
	if req.Weight != nil && *req.Weight >= 1 && *req.Weight <= 1000 {
		account.Weight = *req.Weight
	}
	if req.State != nil {
		account.State = *req.State
	}
	if req.ProxyBinding != nil {
		account.ProxyBinding = *req.ProxyBinding
	}

	if err := g.st.UpdateAccount(ctx, account); err != nil {
		g.internalError(ctx, "update account failed", err)
		return
	}
	g.pool.Invalidate(account.OwnerID)

	writeJSON(ctx, fasthttp.StatusOK, viewAccount(account))
}

func (g *Gateway) handleDeleteAccount(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	account, err := g.st.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "account not found")
			return
		}
		g.internalError(ctx, "get account failed", err)
		return
	}

	if _, err := g.st.DeleteAccount(ctx, id); err != nil {
		g.internalError(ctx, "delete account failed", err)
		return
	}
	g.pool.Invalidate(account.OwnerID)

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleHealthCheck probes one account immediately and returns the refreshed
// row.
func (g *Gateway) handleHealthCheck(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	account, err := g.st.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "account not found")
			return
		}
		g.internalError(ctx, "get account failed", err)
		return
	}

	g.prober.ProbeOne(ctx, account)

	refreshed, err := g.st.GetAccount(ctx, id)
	if err != nil {
		g.internalError(ctx, "get account failed", err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, viewAccount(refreshed))
}

// ── API keys ──────────────────────────────────────────────────────────────────

type keyView struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	Permissions  []string   `json:"permissions,omitempty"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

func viewKey(k *model.APIKey) keyView {
	return keyView{
		ID:           k.ID,
		OwnerID:      k.OwnerID,
		Name:         k.Name,
		Permissions:  k.Permissions,
		IsActive:     k.IsActive,
		ExpiresAt:    k.ExpiresAt,
		LastUsedAt:   k.LastUsedAt,
		RequestCount: k.RequestCount,
		CreatedAt:    k.CreatedAt,
	}
}

func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	ownerID := string(ctx.QueryArgs().Peek("owner_id"))
	if ownerID == "" {
		badRequest(ctx, "owner_id query parameter is required")
		return
	}

	keys, err := g.st.ListKeys(ctx, ownerID)
	if err != nil {
		g.internalError(ctx, "list keys failed", err)
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = viewKey(k)
	}
	writeJSON(ctx, fasthttp.StatusOK, views)
}

type createKeyRequest struct {
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type createKeyResponse struct {
	keyView
	// Key is the plaintext secret, returned exactly once at creation.
	Key string `json:"key"`
}

func (g *Gateway) handleCreateKey(ctx *fasthttp.RequestCtx) {
	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	if req.OwnerID == "" {
		badRequest(ctx, "owner_id is required")
		return
	}

	secret, err := newKeySecret()
	if err != nil {
		g.internalError(ctx, "key generation failed", err)
		return
	}

	key := &model.APIKey{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		KeyHash:     auth.HashKey(secret),
		Permissions: req.Permissions,
		IsActive:    true,
		ExpiresAt:   req.ExpiresAt,
	}

	if err := g.st.CreateKey(ctx, key); err != nil {
		g.internalError(ctx, "create key failed", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusCreated, createKeyResponse{keyView: viewKey(key), Key: secret})
}

func (g *Gateway) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	n, err := g.st.DeleteKey(ctx, id)
	if err != nil {
		g.internalError(ctx, "delete key failed", err)
		return
	}
	if n == 0 {
		notFound(ctx, "api key not found")
		return
	}

	g.auth.InvalidateByKeyID(id)
	// Per-key routes cascade in the store; refresh the routing snapshot.
	if err := g.routes.Reload(ctx); err != nil {
		g.log.Warn("route_reload_failed", "error", err.Error())
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type routeRequest struct {
	SourceModel    string         `json:"source_model"`
	TargetModel    string         `json:"target_model"`
	TargetProvider model.Provider `json:"target_provider"`
	Priority       int            `json:"priority"`
	Enabled        bool           `json:"enabled"`
	Description    string         `json:"description"`
}

func (g *Gateway) handleReplaceKeyRoutes(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	if _, err := g.st.GetKey(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "api key not found")
			return
		}
		g.internalError(ctx, "get key failed", err)
		return
	}

	var reqs []routeRequest
	if err := json.Unmarshal(ctx.PostBody(), &reqs); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}

	replacement := make([]*model.ModelRoute, len(reqs))
	for i, r := range reqs {
		if r.SourceModel == "" || r.TargetModel == "" || !r.TargetProvider.Valid() {
			badRequest(ctx, "each route needs source_model, target_model, and a valid target_provider")
			return
		}
		replacement[i] = &model.ModelRoute{
			ID:             uuid.NewString(),
			APIKeyID:       id,
			SourceModel:    r.SourceModel,
			TargetModel:    r.TargetModel,
			TargetProvider: r.TargetProvider,
			Priority:       r.Priority,
			Enabled:        r.Enabled,
			Description:    r.Description,
		}
	}

	if err := g.routes.ReplaceKeyRoutes(ctx, id, replacement); err != nil {
		g.internalError(ctx, "replace routes failed", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]int{"routes": len(replacement)})
}

// ── OAuth ─────────────────────────────────────────────────────────────────────

type oauthStartRequest struct {
	AccountID string `json:"account_id"`
}

func (g *Gateway) handleOAuthStart(ctx *fasthttp.RequestCtx) {
	var req oauthStartRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.AccountID == "" {
		badRequest(ctx, "account_id is required")
		return
	}

	account, err := g.st.GetAccount(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "account not found")
			return
		}
		g.internalError(ctx, "get account failed", err)
		return
	}

	switch account.Provider {
	case model.ProviderAnthropic:
		params, err := g.oauth.Begin(account.ID)
		if err != nil {
			g.internalError(ctx, "oauth start failed", err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, params)

	case model.ProviderQwen:
		state, device, err := g.oauth.BeginDevice(ctx, account.ID)
		if err != nil {
			g.internalError(ctx, "device flow start failed", err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"state":  state,
			"device": device,
		})

	default:
		badRequest(ctx, "provider does not support oauth")
	}
}

type oauthCallbackRequest struct {
	State string `json:"state"`
	// Code is the raw authorization code or the full callback URL.
	Code string `json:"code"`
}

func (g *Gateway) handleOAuthCallback(ctx *fasthttp.RequestCtx) {
	var req oauthCallbackRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Code == "" {
		badRequest(ctx, "state and code are required")
		return
	}

	code, err := oauth.ParseCallback(req.Code)
	if err != nil {
		apierr.Write(ctx, apierr.KindOAuthBadCode, "authorization code format invalid")
		return
	}

	if err := g.oauth.Complete(ctx, req.State, code); err != nil {
		switch {
		case errors.Is(err, oauth.ErrSessionNotFound):
			apierr.Write(ctx, apierr.KindOAuthBadCode, "unknown or expired oauth session")
		case errors.Is(err, oauth.ErrBadCode):
			apierr.Write(ctx, apierr.KindOAuthBadCode, "code exchange rejected")
		default:
			g.internalError(ctx, "oauth completion failed", err)
		}
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "authorized"})
}

func (g *Gateway) handleOAuthStatus(ctx *fasthttp.RequestCtx) {
	state, _ := ctx.UserValue("id").(string)

	err := g.oauth.PollDevice(ctx, state)
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "authorized"})
	case errors.Is(err, oauth.ErrAuthorizationPending):
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "pending"})
	case errors.Is(err, oauth.ErrSessionNotFound):
		writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"status": "unknown_session"})
	case errors.Is(err, oauth.ErrBadCode):
		apierr.Write(ctx, apierr.KindOAuthBadCode, "device authorization rejected")
	default:
		g.internalError(ctx, "device poll failed", err)
	}
}

// ── Usage ─────────────────────────────────────────────────────────────────────

type usageView struct {
	ID                string    `json:"id"`
	APIKeyID          string    `json:"api_key_id"`
	UpstreamAccountID string    `json:"upstream_account_id,omitempty"`
	RequestID         string    `json:"request_id"`
	Method            string    `json:"method"`
	Endpoint          string    `json:"endpoint"`
	StatusCode        int       `json:"status_code"`
	ResponseTimeMs    int64     `json:"response_time_ms"`
	TokensUsed        int64     `json:"tokens_used"`
	Cost              float64   `json:"cost"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// handleUsageLookup resolves one usage record by the X-Request-ID the relay
// returned to the caller. Used when tracing a specific request.
func (g *Gateway) handleUsageLookup(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	rec, err := g.st.UsageByRequestID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(ctx, "usage record not found")
			return
		}
		g.internalError(ctx, "usage lookup failed", err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, usageView{
		ID:                rec.ID,
		APIKeyID:          rec.APIKeyID,
		UpstreamAccountID: rec.UpstreamAccountID,
		RequestID:         rec.RequestID,
		Method:            rec.Method,
		Endpoint:          rec.Endpoint,
		StatusCode:        rec.StatusCode,
		ResponseTimeMs:    rec.ResponseTimeMs,
		TokensUsed:        rec.TokensUsed,
		Cost:              rec.Cost,
		ErrorMessage:      rec.ErrorMessage,
		CreatedAt:         rec.CreatedAt,
	})
}

// ── Dashboard & health ────────────────────────────────────────────────────────

type dashboardStats struct {
	Requests      int64          `json:"requests"`
	Errors        int64          `json:"errors"`
	TokensUsed    int64          `json:"tokens_used"`
	Cost          float64        `json:"cost"`
	Accounts      map[string]int `json:"accounts_by_state"`
	UsageDropped  int64          `json:"usage_records_dropped"`
	LiveRequests  int64          `json:"live_request_counter"`
	WindowedSince time.Time      `json:"since"`
}

func (g *Gateway) handleDashboardStats(ctx *fasthttp.RequestCtx) {
	since := g.now().Add(-24 * time.Hour)

	totals, err := g.st.UsageTotals(ctx, since)
	if err != nil {
		g.internalError(ctx, "usage totals failed", err)
		return
	}

	stats := dashboardStats{
		Requests:      totals.Requests,
		Errors:        totals.Errors,
		TokensUsed:    totals.TokensUsed,
		Cost:          totals.Cost,
		Accounts:      map[string]int{},
		WindowedSince: since,
	}

	accounts, err := g.st.ListAccountsByState(ctx,
		model.StateActive, model.StateInactive, model.StateError, model.StatePending)
	if err == nil {
		for _, a := range accounts {
			stats.Accounts[string(a.State)]++
		}
	}

	if g.usageRec != nil {
		stats.UsageDropped = g.usageRec.Dropped()
	}
	if g.kv != nil {
		if raw, ok := g.kv.Get(ctx, "relay:requests_total"); ok {
			var n int64
			_ = json.Unmarshal(raw, &n)
			stats.LiveRequests = n
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, stats)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if err := g.st.Ping(ctx); err != nil {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}

	status := "healthy"
	if g.usageRec != nil && g.usageRec.Dropped() > 0 {
		status = "degraded"
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": status})
}

// newKeySecret generates a gateway API key secret: prefix + 32 random bytes
// in hex.
func newKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// Management responses use a flat error envelope; the apierr taxonomy is for
// the proxy edge.

func badRequest(ctx *fasthttp.RequestCtx, msg string) {
	writeJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error": msg})
}

func notFound(ctx *fasthttp.RequestCtx, msg string) {
	writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": msg})
}

func (g *Gateway) internalError(ctx *fasthttp.RequestCtx, msg string, err error) {
	g.log.Error("management_request_failed",
		slog.String("path", string(ctx.Path())),
		slog.String("error", err.Error()),
	)
	writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": msg})
}
