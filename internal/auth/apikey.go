// Package auth authenticates inbound requests against gateway-issued API
// keys. Keys are validated against the store and cached in a W-TinyLFU
// cache keyed by hash.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

var (
	// ErrUnauthorized means the bearer token matched no key. Surfaced as 401.
	ErrUnauthorized = errors.New("auth: invalid api key")
	// ErrKeyDisabled means the key exists but is inactive or expired.
	// Surfaced as 403.
	ErrKeyDisabled = errors.New("auth: api key disabled or expired")
)

// HashKey returns the storage hash of an issued secret: hex(SHA-256(key)).
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves bearer tokens to API keys.
type Authenticator struct {
	store       store.APIKeyStore
	cache       *otter.Cache[string, *model.APIKey]
	keyIDToHash sync.Map // key id -> hash, for cache invalidation by id

	now func() time.Time
}

// New returns an Authenticator backed by st.
func New(st store.APIKeyStore) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *model.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *model.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: create cache: %w", err)
	}
	return &Authenticator{store: st, cache: c, now: time.Now}, nil
}

// Authenticate validates the Authorization header value ("Bearer <key>")
// and returns the matching API key.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*model.APIKey, error) {
	raw := strings.TrimPrefix(authorization, "Bearer ")
	if raw == "" || raw == authorization {
		return nil, ErrUnauthorized
	}
	return a.AuthenticateToken(ctx, raw)
}

// AuthenticateToken validates a bare token.
func (a *Authenticator) AuthenticateToken(ctx context.Context, raw string) (*model.APIKey, error) {
	hash := HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.Usable(a.now()) {
			a.cache.Invalidate(hash)
			return nil, ErrKeyDisabled
		}
		a.touchAsync(ctx, key.ID)
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: lookup: %w", err)
	}

	// The DB lookup already matched; the constant-time comparison guards
	// against collation or encoding surprises in the stored hash.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, ErrUnauthorized
	}

	if !key.Usable(a.now()) {
		return nil, ErrKeyDisabled
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)
	a.touchAsync(ctx, key.ID)

	return key, nil
}

// InvalidateByKeyID removes a cached key by its id. Called when management
// operations disable, update, or delete a key.
func (a *Authenticator) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// touchAsync stamps last_used_at and bumps the key's request counter off
// the request path.
func (a *Authenticator) touchAsync(ctx context.Context, keyID string) {
	at := a.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.store.TouchKeyUsed(ctx, keyID, at)
	}()
}
