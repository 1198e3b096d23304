package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

func TestManagementRequiresAdminToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do("GET", "/api/accounts?owner_id="+env.ownerID, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.do("GET", "/api/accounts?owner_id="+env.ownerID, "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.do("GET", "/api/accounts?owner_id="+env.ownerID, env.g.AdminToken(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin token: status = %d, want 200", resp.StatusCode)
	}
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.g.AdminToken()

	create := jsonBody(t, map[string]any{
		"owner_id":    env.ownerID,
		"name":        "prod anthropic",
		"provider":    "anthropic",
		"auth_method": "api_key",
		"credentials": map[string]string{"api_key": "sk-ant-xxx"},
	})
	resp, body := env.do("POST", "/api/accounts", admin, create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", resp.StatusCode, body)
	}

	var created accountView
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.State != model.StateActive {
		t.Fatalf("api_key account state = %q, want active", created.State)
	}
	if created.Priority != 5 || created.Weight != 100 {
		t.Fatalf("defaults not applied: priority=%d weight=%d", created.Priority, created.Weight)
	}
	if strings.Contains(string(body), "sk-ant-xxx") {
		t.Fatal("credentials leaked in account response")
	}

	resp, body = env.do("GET", "/api/accounts?owner_id="+env.ownerID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var listed []accountView
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("list = %+v", listed)
	}

	update := jsonBody(t, map[string]any{"priority": 2, "state": "inactive"})
	resp, body = env.do("PUT", "/api/accounts/"+created.ID, admin, update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", resp.StatusCode, body)
	}
	var updated accountView
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Priority != 2 || updated.State != model.StateInactive {
		t.Fatalf("update not applied: %+v", updated)
	}

	resp, _ = env.do("DELETE", "/api/accounts/"+created.ID, admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	resp, _ = env.do("DELETE", "/api/accounts/"+created.ID, admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d, want 404", resp.StatusCode)
	}
}

func TestOAuthAccountStartsPending(t *testing.T) {
	env := newTestEnv(t, nil)

	create := jsonBody(t, map[string]any{
		"owner_id":    env.ownerID,
		"name":        "oauth qwen",
		"provider":    "qwen",
		"auth_method": "oauth",
	})
	resp, body := env.do("POST", "/api/accounts", env.g.AdminToken(), create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", resp.StatusCode, body)
	}
	var created accountView
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.State != model.StatePending {
		t.Fatalf("oauth account state = %q, want pending", created.State)
	}
}

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.g.AdminToken()

	resp, body := env.do("POST", "/api/apikeys", admin,
		jsonBody(t, map[string]any{"owner_id": env.ownerID, "name": "ci"}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", resp.StatusCode, body)
	}
	var created createKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Key, apiKeyPrefix) {
		t.Fatalf("key = %q, want %q prefix", created.Key, apiKeyPrefix)
	}

	// The fresh key authenticates: with no accounts seeded this reaches the
	// pool and fails there, not at auth.
	resp, _ = env.do("POST", "/v1/messages", created.Key, []byte(`{"model":"m"}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("proxy with new key: status = %d, want 503", resp.StatusCode)
	}

	resp, _ = env.do("DELETE", "/api/apikeys/"+created.ID, admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}

	// Revocation takes effect immediately despite the auth cache.
	resp, _ = env.do("POST", "/v1/messages", created.Key, []byte(`{"model":"m"}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("proxy with revoked key: status = %d, want 401", resp.StatusCode)
	}
}

func TestReplaceKeyRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.g.AdminToken()

	resp, body := env.do("POST", "/api/apikeys", admin,
		jsonBody(t, map[string]any{"owner_id": env.ownerID, "name": "routed"}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status = %d", resp.StatusCode)
	}
	var created createKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	routesBody := jsonBody(t, []map[string]any{{
		"source_model":    "gpt-4o",
		"target_model":    "qwen-max",
		"target_provider": "qwen",
		"priority":        1,
		"enabled":         true,
	}})
	resp, body = env.do("PUT", "/api/apikeys/"+created.ID+"/model-routes", admin, routesBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace: status = %d, body = %s", resp.StatusCode, body)
	}

	res := env.routes.Resolve(created.ID, "gpt-4o")
	if !res.Rewritten || res.TargetModel != "qwen-max" || res.TargetProvider != model.ProviderQwen {
		t.Fatalf("route not live: %+v", res)
	}

	resp, _ = env.do("PUT", "/api/apikeys/missing/model-routes", admin, routesBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("replace for missing key: status = %d, want 404", resp.StatusCode)
	}
}

func TestOAuthStartAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.g.AdminToken()

	resp, body := env.do("POST", "/api/accounts", admin, jsonBody(t, map[string]any{
		"owner_id":    env.ownerID,
		"name":        "oauth anthropic",
		"provider":    "anthropic",
		"auth_method": "oauth",
	}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", resp.StatusCode, body)
	}
	var created accountView
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	resp, body = env.do("POST", "/api/oauth/start", admin,
		jsonBody(t, map[string]any{"account_id": created.ID}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", resp.StatusCode, body)
	}
	var params struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal(body, &params); err != nil {
		t.Fatal(err)
	}
	if params.State == "" || !strings.Contains(params.AuthURL, "code_challenge") {
		t.Fatalf("auth params = %+v", params)
	}

	resp, _ = env.do("POST", "/api/oauth/start", admin,
		jsonBody(t, map[string]any{"account_id": "missing"}))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start unknown account: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.do("GET", "/api/oauth/status/not-a-session", admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status unknown session: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.do("POST", "/api/oauth/callback", admin,
		jsonBody(t, map[string]any{"state": params.State, "code": "!!"}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback bad code: status = %d, want 400", resp.StatusCode)
	}
}

func TestUsageLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.g.AdminToken()

	rec := &model.UsageRecord{
		ID:         uuid.NewString(),
		APIKeyID:   uuid.NewString(),
		RequestID:  uuid.NewString(),
		Method:     "POST",
		Endpoint:   "/v1/messages",
		StatusCode: 200,
		TokensUsed: 42,
		CreatedAt:  time.Now(),
	}
	if err := env.st.InsertUsage(context.Background(), []*model.UsageRecord{rec}); err != nil {
		t.Fatal(err)
	}

	resp, body := env.do("GET", "/api/usage/"+rec.RequestID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got usageView
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.RequestID != rec.RequestID || got.TokensUsed != 42 {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	resp, _ = env.do("GET", "/api/usage/"+uuid.NewString(), admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request id: status = %d, want 404", resp.StatusCode)
	}
}

func TestDashboardStats(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do("GET", "/api/dashboard/stats", env.g.AdminToken(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var stats dashboardStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Accounts == nil {
		t.Fatal("accounts_by_state missing")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do("GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "healthy") {
		t.Fatalf("body = %s", body)
	}
}
