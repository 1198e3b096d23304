// Package routes maintains the model rewrite table: per-key and global
// rules that map a requested model name to a target model and provider.
package routes

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// Resolution is the outcome of a route lookup.
type Resolution struct {
	TargetModel    string
	TargetProvider model.Provider
	// Rewritten is false on passthrough, where the caller keeps the
	// request's own model and endpoint-inferred provider.
	Rewritten bool
}

// tableSnapshot is an immutable view of all enabled routes. Slices keep
// store order (priority ascending, creation ascending) so the first match
// wins.
type tableSnapshot struct {
	perKey map[string][]*model.ModelRoute
	global []*model.ModelRoute
}

// Table is a copy-on-write route table. Readers resolve against an
// immutable snapshot; every mutation rebuilds the snapshot from the store
// and swaps the pointer. Readers never block.
type Table struct {
	store    store.RouteStore
	snapshot atomic.Pointer[tableSnapshot]
}

// New builds a Table and loads the initial snapshot.
func New(ctx context.Context, st store.RouteStore) (*Table, error) {
	t := &Table{store: st}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload rebuilds the snapshot from the store.
func (t *Table) Reload(ctx context.Context) error {
	all, err := t.store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("routes: reload: %w", err)
	}

	snap := &tableSnapshot{perKey: make(map[string][]*model.ModelRoute)}
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		if r.APIKeyID == "" {
			snap.global = append(snap.global, r)
		} else {
			snap.perKey[r.APIKeyID] = append(snap.perKey[r.APIKeyID], r)
		}
	}

	t.snapshot.Store(snap)
	return nil
}

// Resolve returns the rewrite for (apiKeyID, sourceModel). Per-key rules
// win over global rules; within a scope the first enabled rule in priority
// order whose source_model matches exactly fires. No match is passthrough.
func (t *Table) Resolve(apiKeyID, sourceModel string) Resolution {
	snap := t.snapshot.Load()
	if snap == nil {
		return Resolution{TargetModel: sourceModel}
	}

	if r := firstMatch(snap.perKey[apiKeyID], sourceModel); r != nil {
		return Resolution{TargetModel: r.TargetModel, TargetProvider: r.TargetProvider, Rewritten: true}
	}
	if r := firstMatch(snap.global, sourceModel); r != nil {
		return Resolution{TargetModel: r.TargetModel, TargetProvider: r.TargetProvider, Rewritten: true}
	}
	return Resolution{TargetModel: sourceModel}
}

func firstMatch(routes []*model.ModelRoute, sourceModel string) *model.ModelRoute {
	for _, r := range routes {
		if r.SourceModel == sourceModel {
			return r
		}
	}
	return nil
}

// Create persists a route and refreshes the snapshot.
func (t *Table) Create(ctx context.Context, r *model.ModelRoute) error {
	if err := t.store.CreateRoute(ctx, r); err != nil {
		return err
	}
	return t.Reload(ctx)
}

// Update persists a route change and refreshes the snapshot.
func (t *Table) Update(ctx context.Context, r *model.ModelRoute) error {
	if err := t.store.UpdateRoute(ctx, r); err != nil {
		return err
	}
	return t.Reload(ctx)
}

// Delete removes a route and refreshes the snapshot.
func (t *Table) Delete(ctx context.Context, id string) (int64, error) {
	n, err := t.store.DeleteRoute(ctx, id)
	if err != nil {
		return 0, err
	}
	return n, t.Reload(ctx)
}

// ReplaceKeyRoutes swaps one key's rules and refreshes the snapshot.
func (t *Table) ReplaceKeyRoutes(ctx context.Context, apiKeyID string, routes []*model.ModelRoute) error {
	if err := t.store.ReplaceKeyRoutes(ctx, apiKeyID, routes); err != nil {
		return err
	}
	return t.Reload(ctx)
}

// List returns every route from the store, per-key and global.
func (t *Table) List(ctx context.Context) ([]*model.ModelRoute, error) {
	return t.store.ListRoutes(ctx)
}
