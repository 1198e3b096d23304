package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const routeColumns = `id, api_key_id, source_model, target_model, target_provider,
 priority, enabled, description, created_at`

// CreateRoute inserts a model route. An empty APIKeyID stores NULL so the
// route is global.
func (s *Store) CreateRoute(ctx context.Context, r *model.ModelRoute) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_routes (`+routeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullStr(r.APIKeyID), r.SourceModel, r.TargetModel,
		string(r.TargetProvider), r.Priority, boolToInt(r.Enabled),
		r.Description, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListRoutes returns every route, per-key and global, in resolution order.
func (s *Store) ListRoutes(ctx context.Context) ([]*model.ModelRoute, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+routeColumns+` FROM model_routes ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []*model.ModelRoute
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// UpdateRoute updates a route's mutable fields.
func (s *Store) UpdateRoute(ctx context.Context, r *model.ModelRoute) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE model_routes
		 SET source_model=?, target_model=?, target_provider=?, priority=?, enabled=?, description=?
		 WHERE id=?`,
		r.SourceModel, r.TargetModel, string(r.TargetProvider),
		r.Priority, boolToInt(r.Enabled), r.Description, r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model route")
}

// DeleteRoute removes a route and reports the true number of rows deleted.
func (s *Store) DeleteRoute(ctx context.Context, id string) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM model_routes WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ReplaceKeyRoutes swaps all routes bound to one API key in a single
// transaction, so readers never observe a half-replaced set.
func (s *Store) ReplaceKeyRoutes(ctx context.Context, apiKeyID string, routes []*model.ModelRoute) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM model_routes WHERE api_key_id=?`, apiKeyID); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range routes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_routes (`+routeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, apiKeyID, r.SourceModel, r.TargetModel,
			string(r.TargetProvider), r.Priority, boolToInt(r.Enabled),
			r.Description, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanRoute(sc scanner) (*model.ModelRoute, error) {
	var (
		r         model.ModelRoute
		keyID     sql.NullString
		provider  string
		enabled   int
		createdAt string
	)
	err := sc.Scan(
		&r.ID, &keyID, &r.SourceModel, &r.TargetModel, &provider,
		&r.Priority, &enabled, &r.Description, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model route: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.APIKeyID = keyID.String
	r.TargetProvider = model.Provider(provider)
	r.Enabled = enabled != 0
	r.CreatedAt = mustTime(createdAt)
	return &r, nil
}
