package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// InsertUsage writes a batch of usage records in one transaction. Called by
// the async recorder with batches, never per-request.
func (s *Store) InsertUsage(ctx context.Context, records []*model.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_records (id, api_key_id, upstream_account_id, request_id,
		   method, endpoint, status_code, response_time_ms, tokens_used, cost,
		   error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.APIKeyID, nullStr(r.UpstreamAccountID), r.RequestID,
			r.Method, r.Endpoint, r.StatusCode, r.ResponseTimeMs,
			r.TokensUsed, r.Cost, nullStr(r.ErrorMessage),
			createdAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UsageByRequestID fetches the usage record written for one request. The
// latest record wins should a request ID ever repeat.
func (s *Store) UsageByRequestID(ctx context.Context, requestID string) (*model.UsageRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, api_key_id, COALESCE(upstream_account_id, ''), request_id,
		        method, endpoint, status_code, response_time_ms, tokens_used,
		        cost, COALESCE(error_message, ''), created_at
		 FROM usage_records WHERE request_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		requestID,
	)

	var r model.UsageRecord
	var createdAt string
	if err := row.Scan(&r.ID, &r.APIKeyID, &r.UpstreamAccountID, &r.RequestID,
		&r.Method, &r.Endpoint, &r.StatusCode, &r.ResponseTimeMs, &r.TokensUsed,
		&r.Cost, &r.ErrorMessage, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = mustTime(createdAt)
	return &r, nil
}

// UsageTotals aggregates counters since the given time.
func (s *Store) UsageTotals(ctx context.Context, since time.Time) (*store.UsageTotals, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status_code >= 400 OR error_message IS NOT NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(tokens_used), 0),
		        COALESCE(SUM(cost), 0)
		 FROM usage_records WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339Nano),
	)

	var t store.UsageTotals
	if err := row.Scan(&t.Requests, &t.Errors, &t.TokensUsed, &t.Cost); err != nil {
		return nil, err
	}
	return &t, nil
}
