package cost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createCostTable = `
CREATE TABLE IF NOT EXISTS cost_records (
	request_id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	actual_cost REAL NOT NULL,
	would_be_cost REAL NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	cache_hit INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	client_request_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cost_model ON cost_records(model);
`

// Databases created before client_request_id existed get the column added.
const addClientRequestID = `ALTER TABLE cost_records ADD COLUMN client_request_id TEXT NOT NULL DEFAULT ''`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// the migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cost: open %s: %w", path, err)
	}
	// A single connection serialises writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCostTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("cost: migrate: %w", err)
	}
	var cols int
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('cost_records') WHERE name = 'client_request_id'`).Scan(&cols)
	if err == nil && cols == 0 {
		_, err = db.Exec(addClientRequestID)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cost: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (request_id, model, actual_cost, would_be_cost, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cache_hit, created_at, client_request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		rec.RequestID, rec.Model, rec.ActualCost, rec.WouldBeCost, rec.InputTokens, rec.OutputTokens,
		rec.CacheReadTokens, rec.CacheWriteTokens, rec.CacheHit, rec.Timestamp.UnixNano(), rec.ClientRequestID,
	)
	if err != nil {
		return fmt.Errorf("cost: insert %s: %w", rec.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cost: insert %s: %w", rec.RequestID, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (Record, error) {
	var (
		rec Record
		ts  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, model, actual_cost, would_be_cost, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cache_hit, created_at, client_request_id
		 FROM cost_records WHERE request_id = ?`, requestID,
	).Scan(&rec.RequestID, &rec.Model, &rec.ActualCost, &rec.WouldBeCost, &rec.InputTokens, &rec.OutputTokens,
		&rec.CacheReadTokens, &rec.CacheWriteTokens, &rec.CacheHit, &ts, &rec.ClientRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("cost: get %s: %w", requestID, err)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Savings = rec.WouldBeCost - rec.ActualCost
	return rec, nil
}

func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(cache_hit), SUM(input_tokens), SUM(output_tokens),
			SUM(actual_cost), SUM(would_be_cost)
		 FROM cost_records GROUP BY model ORDER BY model`)
	if err != nil {
		return Summary{}, fmt.Errorf("cost: summary: %w", err)
	}
	defer rows.Close()

	var s2 Summary
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Requests, &m.CacheHits, &m.InputTokens, &m.OutputTokens,
			&m.ActualCost, &m.WouldBeCost); err != nil {
			return Summary{}, fmt.Errorf("cost: summary: %w", err)
		}
		m.CacheMisses = m.Requests - m.CacheHits
		m.Savings = m.WouldBeCost - m.ActualCost
		s2.add(m)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("cost: summary: %w", err)
	}
	return s2, nil
}

// Ping reports whether the database still answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
