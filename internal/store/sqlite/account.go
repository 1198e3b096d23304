package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

const accountColumns = `id, owner_id, name, provider, auth_method, credentials, state,
 priority, weight, proxy_binding, request_count, success_count, error_count,
 last_health_check, health_status, last_used_at, created_at, updated_at`

// CreateAccount inserts a new upstream account.
func (s *Store) CreateAccount(ctx context.Context, a *model.UpstreamAccount) error {
	health, err := healthToStr(a.HealthStatus)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO upstream_accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, string(a.Provider), string(a.AuthMethod),
		a.EncryptedCredentials, string(a.State),
		a.Priority, a.Weight, a.ProxyBinding,
		a.RequestCount, a.SuccessCount, a.ErrorCount,
		timeToStr(a.LastHealthCheck), health, timeToStr(a.LastUsedAt),
		now, now,
	)
	return err
}

// GetAccount retrieves one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.UpstreamAccount, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM upstream_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns the owner's accounts for one provider, snapshot-ordered.
func (s *Store) ListAccounts(ctx context.Context, ownerID string, provider model.Provider) ([]*model.UpstreamAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM upstream_accounts WHERE owner_id = ?`
	args := []any{ownerID}
	if provider != model.ProviderAny {
		query += ` AND provider = ?`
		args = append(args, string(provider))
	}
	query += ` ORDER BY priority ASC, weight DESC, created_at ASC`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListAccountsByState returns every account in any of the given states.
func (s *Store) ListAccountsByState(ctx context.Context, states ...model.AccountState) ([]*model.UpstreamAccount, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + accountColumns + ` FROM upstream_accounts WHERE state IN (`
	args := make([]any, 0, len(states))
	for i, st := range states {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY priority ASC, weight DESC, created_at ASC`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// UpdateAccount updates the mutable settings of an account. Counters and
// health fields have dedicated atomic paths and are not written here.
func (s *Store) UpdateAccount(ctx context.Context, a *model.UpstreamAccount) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_accounts
		 SET name=?, state=?, priority=?, weight=?, proxy_binding=?, updated_at=?
		 WHERE id=?`,
		a.Name, string(a.State), a.Priority, a.Weight, a.ProxyBinding,
		time.Now().UTC().Format(time.RFC3339Nano), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// DeleteAccount removes an account and reports the true number of rows deleted.
func (s *Store) DeleteAccount(ctx context.Context, id string) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstream_accounts WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AddAccountUsage atomically bumps request_count and exactly one of
// success_count / error_count. A single UPDATE keeps the counter invariant
// (success + error ≤ request) under concurrency.
func (s *Store) AddAccountUsage(ctx context.Context, id string, success bool) error {
	col := "error_count"
	if success {
		col = "success_count"
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_accounts
		 SET request_count = request_count + 1, `+col+` = `+col+` + 1,
		     last_used_at = ?, updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// SetAccountHealth writes the probe result and, when state is non-empty,
// transitions the account state in the same statement.
func (s *Store) SetAccountHealth(ctx context.Context, id string, health *model.HealthStatus, state model.AccountState) error {
	healthJSON, err := healthToStr(health)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var result sql.Result
	if state != "" {
		result, err = s.write.ExecContext(ctx,
			`UPDATE upstream_accounts
			 SET health_status=?, last_health_check=?, state=?, updated_at=?
			 WHERE id=?`,
			healthJSON, now, string(state), now, id,
		)
	} else {
		result, err = s.write.ExecContext(ctx,
			`UPDATE upstream_accounts
			 SET health_status=?, last_health_check=?, updated_at=?
			 WHERE id=?`,
			healthJSON, now, now, id,
		)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

// SetAccountCredentials replaces the sealed credential blob and state.
// Used by the OAuth manager after exchange and refresh.
func (s *Store) SetAccountCredentials(ctx context.Context, id, sealed string, state model.AccountState) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_accounts SET credentials=?, state=?, updated_at=? WHERE id=?`,
		sealed, string(state), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream account")
}

func healthToStr(h *model.HealthStatus) (any, error) {
	if h == nil {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal health status: %w", err)
	}
	return string(data), nil
}

func scanAccounts(rows *sql.Rows) ([]*model.UpstreamAccount, error) {
	var out []*model.UpstreamAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(sc scanner) (*model.UpstreamAccount, error) {
	var (
		a                           model.UpstreamAccount
		provider, authMethod, state string
		lastCheck, health, lastUsed sql.NullString
		createdAt, updatedAt        string
	)
	err := sc.Scan(
		&a.ID, &a.OwnerID, &a.Name, &provider, &authMethod,
		&a.EncryptedCredentials, &state,
		&a.Priority, &a.Weight, &a.ProxyBinding,
		&a.RequestCount, &a.SuccessCount, &a.ErrorCount,
		&lastCheck, &health, &lastUsed,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upstream account: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	a.Provider = model.Provider(provider)
	a.AuthMethod = model.AuthMethod(authMethod)
	a.State = model.AccountState(state)
	a.CreatedAt = mustTime(createdAt)
	a.UpdatedAt = mustTime(updatedAt)

	if a.LastHealthCheck, err = strToTime(lastCheck); err != nil {
		return nil, err
	}
	if a.LastUsedAt, err = strToTime(lastUsed); err != nil {
		return nil, err
	}
	if health.Valid && health.String != "" {
		var hs model.HealthStatus
		if err := json.Unmarshal([]byte(health.String), &hs); err != nil {
			return nil, fmt.Errorf("unmarshal health status: %w", err)
		}
		a.HealthStatus = &hs
	}

	return &a, nil
}
