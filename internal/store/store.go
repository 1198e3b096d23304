// Package store defines the persistence interfaces consumed by the relay core.
//
// The interfaces are intentionally narrow: the pool, auth, and usage layers
// never see SQL. The SQLite implementation lives in store/sqlite.
package store

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// ErrNotFound is returned when a row does not exist.
// Defined as a sentinel so callers can branch with errors.Is.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNotFound is the canonical missing-row error.
const ErrNotFound = notFoundError("store: not found")

// AccountStore manages upstream account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.UpstreamAccount) error
	GetAccount(ctx context.Context, id string) (*model.UpstreamAccount, error)
	// ListAccounts returns the owner's accounts for one provider (or all when
	// provider is model.ProviderAny), ordered by priority ASC, weight DESC,
	// created_at ASC.
	ListAccounts(ctx context.Context, ownerID string, provider model.Provider) ([]*model.UpstreamAccount, error)
	// ListAccountsByState returns every account in any of the given states,
	// across all owners. Used by the health prober.
	ListAccountsByState(ctx context.Context, states ...model.AccountState) ([]*model.UpstreamAccount, error)
	UpdateAccount(ctx context.Context, a *model.UpstreamAccount) error
	DeleteAccount(ctx context.Context, id string) (int64, error)

	// AddAccountUsage atomically increments request_count and exactly one of
	// success_count / error_count, and touches last_used_at.
	AddAccountUsage(ctx context.Context, id string, success bool) error
	// SetAccountHealth updates the probe fields and, when state is non-empty,
	// the account state in the same statement.
	SetAccountHealth(ctx context.Context, id string, health *model.HealthStatus, state model.AccountState) error
	// SetAccountCredentials replaces the sealed credential blob and state.
	SetAccountCredentials(ctx context.Context, id, sealed string, state model.AccountState) error
}

// APIKeyStore manages gateway API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, k *model.APIKey) error
	GetKey(ctx context.Context, id string) (*model.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListKeys(ctx context.Context, ownerID string) ([]*model.APIKey, error)
	UpdateKey(ctx context.Context, k *model.APIKey) error
	DeleteKey(ctx context.Context, id string) (int64, error)
	// TouchKeyUsed increments request_count and sets last_used_at.
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
}

// RouteStore manages model route persistence.
type RouteStore interface {
	CreateRoute(ctx context.Context, r *model.ModelRoute) error
	// ListRoutes returns every route (per-key and global) ordered by
	// priority ASC, created_at ASC. The route table builds its snapshot
	// from this single call.
	ListRoutes(ctx context.Context) ([]*model.ModelRoute, error)
	UpdateRoute(ctx context.Context, r *model.ModelRoute) error
	DeleteRoute(ctx context.Context, id string) (int64, error)
	// ReplaceKeyRoutes swaps all routes bound to one API key in a transaction.
	ReplaceKeyRoutes(ctx context.Context, apiKeyID string, routes []*model.ModelRoute) error
}

// UsageStore manages append-only usage records.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []*model.UsageRecord) error
	// UsageByRequestID fetches the record written for one request.
	UsageByRequestID(ctx context.Context, requestID string) (*model.UsageRecord, error)
	// UsageTotals aggregates counters for the dashboard.
	UsageTotals(ctx context.Context, since time.Time) (*UsageTotals, error)
}

// UsageTotals is the dashboard aggregate.
type UsageTotals struct {
	Requests   int64
	Errors     int64
	TokensUsed int64
	Cost       float64
}

// UserStore manages user rows.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	APIKeyStore
	RouteStore
	UsageStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
