package usage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/model"
)

// Mirror writes usage batches to ClickHouse for analytics. The embedded
// SQLite store stays the source of truth; the mirror is additive and its
// failures are logged and ignored by the recorder.
type Mirror struct {
	conn  driver.Conn
	table string
}

// NewMirror connects to ClickHouse and ensures the destination table exists.
func NewMirror(ctx context.Context, cfg config.ClickHouseConfig) (*Mirror, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("usage: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("usage: ping clickhouse: %w", err)
	}

	m := &Mirror{conn: conn, table: cfg.Table}
	if err := m.ensureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                  String,
			api_key_id          String,
			upstream_account_id String,
			request_id          String,
			method              LowCardinality(String),
			endpoint            LowCardinality(String),
			status_code         UInt16,
			response_time_ms    Int64,
			tokens_used         Int64,
			cost                Float64,
			error_message       String,
			created_at          DateTime64(3)
		)
		ENGINE = MergeTree
		ORDER BY (api_key_id, created_at)
		TTL toDateTime(created_at) + INTERVAL 90 DAY
	`, m.table)

	if err := m.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("usage: create table %s: %w", m.table, err)
	}
	return nil
}

// Insert appends one batch of records.
func (m *Mirror) Insert(ctx context.Context, records []*model.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := m.conn.PrepareBatch(ctx, "INSERT INTO "+m.table)
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.ID,
			rec.APIKeyID,
			rec.UpstreamAccountID,
			rec.RequestID,
			rec.Method,
			rec.Endpoint,
			uint16(rec.StatusCode),
			rec.ResponseTimeMs,
			rec.TokensUsed,
			rec.Cost,
			rec.ErrorMessage,
			rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("usage: append record: %w", err)
		}
	}

	return batch.Send()
}

// Close closes the ClickHouse connection.
func (m *Mirror) Close() error { return m.conn.Close() }
