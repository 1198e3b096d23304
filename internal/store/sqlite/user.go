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

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var (
		u         model.User
		createdAt string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id=?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = mustTime(createdAt)
	return &u, nil
}
