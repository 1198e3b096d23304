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

const keyColumns = `id, owner_id, name, key_hash, permissions, is_active,
 expires_at, last_used_at, request_count, created_at, updated_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, k *model.APIKey) error {
	perms, err := marshalJSON(k.Permissions)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.OwnerID, k.Name, k.KeyHash, perms, boolToInt(k.IsActive),
		timeToStr(k.ExpiresAt), timeToStr(k.LastUsedAt), k.RequestCount,
		now, now,
	)
	return err
}

// GetKey retrieves an API key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*model.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns all keys belonging to an owner, newest first.
func (s *Store) ListKeys(ctx context.Context, ownerID string) ([]*model.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable settings of a key.
func (s *Store) UpdateKey(ctx context.Context, k *model.APIKey) error {
	perms, err := marshalJSON(k.Permissions)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, permissions=?, is_active=?, expires_at=?, updated_at=?
		 WHERE id=?`,
		k.Name, perms, boolToInt(k.IsActive), timeToStr(k.ExpiresAt),
		time.Now().UTC().Format(time.RFC3339Nano), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key and reports the true number of rows deleted.
func (s *Store) DeleteKey(ctx context.Context, id string) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TouchKeyUsed increments request_count and stamps last_used_at.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET request_count = request_count + 1, last_used_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

func scanKey(sc scanner) (*model.APIKey, error) {
	var (
		k                   model.APIKey
		perms               string
		isActive            int
		expiresAt, lastUsed sql.NullString
		createdAt, updated  string
	)
	err := sc.Scan(
		&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &perms, &isActive,
		&expiresAt, &lastUsed, &k.RequestCount, &createdAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	k.IsActive = isActive != 0
	k.CreatedAt = mustTime(createdAt)
	k.UpdatedAt = mustTime(updated)

	if k.ExpiresAt, err = strToTime(expiresAt); err != nil {
		return nil, err
	}
	if k.LastUsedAt, err = strToTime(lastUsed); err != nil {
		return nil, err
	}
	if perms != "" && perms != "null" {
		if err := json.Unmarshal([]byte(perms), &k.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}

	return &k, nil
}
