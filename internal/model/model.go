// Package model defines the core entities shared by the pool, proxy, and
// store layers: upstream accounts, gateway API keys, model routes, and usage
// records.
//
// All identifiers are opaque strings (UUIDs in practice). The structs carry
// no behaviour beyond small predicate helpers; persistence is the store's
// concern and selection logic lives in internal/pool.
package model

import (
	"time"
)

// Provider identifies an external LLM service.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderQwen      Provider = "qwen"

	// ProviderAny matches every provider in pool snapshot filters.
	ProviderAny Provider = "any"
)

// Providers lists every concrete provider (excludes ProviderAny).
var Providers = []Provider{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderQwen}

// Valid reports whether p names a concrete provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderQwen:
		return true
	}
	return false
}

// AuthMethod is how an upstream account authenticates against its provider.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth  AuthMethod = "oauth"
)

// AccountState is the lifecycle state of an upstream account.
type AccountState string

const (
	StateActive   AccountState = "active"
	StateInactive AccountState = "inactive"
	StateError    AccountState = "error"
	StatePending  AccountState = "pending"
)

// HealthStatus is the result of the most recent probe or live request
// observation for one account. Persisted as JSON.
type HealthStatus struct {
	OK        bool      `json:"ok"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Credentials is the decrypted credential payload of an upstream account.
// It is a tagged variant: API-key accounts use {APIKey, BaseURL}; OAuth
// accounts use {AccessToken, RefreshToken, ExpiresAt, Scopes}. The tag is
// the owning account's AuthMethod.
type Credentials struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`

	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// TokenExpiringWithin reports whether the OAuth access token expires within d
// (or has no recorded expiry at all, which is treated as already stale).
func (c *Credentials) TokenExpiringWithin(d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) < d
}

// UpstreamAccount is one credential set for one provider, owned by one user.
// Credentials are stored encrypted; the pool decrypts on demand.
type UpstreamAccount struct {
	ID      string
	OwnerID string
	Name    string

	Provider   Provider
	AuthMethod AuthMethod

	// EncryptedCredentials is the sealed credential blob (see internal/secrets).
	EncryptedCredentials string

	State    AccountState
	Priority int // 1..10, smaller selects first
	Weight   int // 1..1000

	// ProxyBinding optionally names an outbound HTTP proxy from config.
	ProxyBinding string

	RequestCount int64
	SuccessCount int64
	ErrorCount   int64

	LastHealthCheck *time.Time
	HealthStatus    *HealthStatus

	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Selectable reports whether the account may be offered to the balancer at
// all. Error-state accounts are handled separately as last-resort fallback.
func (a *UpstreamAccount) Selectable(includeInactive bool) bool {
	switch a.State {
	case StateActive:
		return true
	case StateInactive:
		return includeInactive
	default:
		return false
	}
}

// APIKey is a gateway-issued client credential. Only the one-way hash of the
// secret is ever stored.
type APIKey struct {
	ID          string
	OwnerID     string
	Name        string
	KeyHash     string
	Permissions []string
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time

	RequestCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the key may authenticate a request right now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// ModelRoute rewrites a requested model name to a target model on a target
// provider. APIKeyID empty means the route is global (fallback scope).
type ModelRoute struct {
	ID             string
	APIKeyID       string // empty for global routes
	SourceModel    string
	TargetModel    string
	TargetProvider Provider
	Priority       int // lower fires first
	Enabled        bool
	Description    string
	CreatedAt      time.Time
}

// UsageRecord is one append-only accounting row written per proxied request.
type UsageRecord struct {
	ID                string
	APIKeyID          string
	UpstreamAccountID string // empty when no account was selected
	RequestID         string
	Method            string
	Endpoint          string
	StatusCode        int
	ResponseTimeMs    int64
	TokensUsed        int64
	Cost              float64
	ErrorMessage      string
	CreatedAt         time.Time
}

// User owns API keys and upstream accounts. The gateway core only needs the
// identifier linkage; profile fields stay thin.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
