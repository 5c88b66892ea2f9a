package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// ErrorStore appends error records to a Postgres table. It implements
// taxonomy.Sink.
type ErrorStore struct {
	pool  Pool
	table string
}

// NewErrorStore connects a pool from cfg and returns a store writing to
// cfg.ErrorTable.
func NewErrorStore(ctx context.Context, cfg Config) (*ErrorStore, error) {
	table, err := tableName(cfg.ErrorTable, DefaultErrorTable)
	if err != nil {
		return nil, err
	}
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ErrorStore{pool: pool, table: table}, nil
}

// NewErrorStoreWithPool constructs a store from an existing pool.
func NewErrorStoreWithPool(pool Pool, table string) (*ErrorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultErrorTable)
	if err != nil {
		return nil, err
	}
	return &ErrorStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool.
func (s *ErrorStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Append inserts one error record.
func (s *ErrorStore) Append(ctx context.Context, rec taxonomy.ErrorRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("error store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	error_id,
	error_type,
	error_code,
	error_reason,
	task_id,
	sub_task_id,
	scraper_name,
	request_url,
	proxy_url,
	status_code,
	response_url,
	exception,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)

	args := []any{
		rec.ErrorID,
		string(rec.Category),
		rec.ReasonCode,
		rec.ReasonName,
		rec.TaskID,
		nullable(rec.SubTaskID),
		nullable(rec.ScraperName),
		rec.RequestURL,
		nullable(rec.ProxyURL),
		rec.StatusCode,
		nullable(rec.ResponseURL),
		rec.ExceptionText,
		rec.Timestamp,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// ListErrors returns the records of a task in insertion order.
func (s *ErrorStore) ListErrors(ctx context.Context, taskID string) ([]taxonomy.ErrorRecord, error) {
	query := fmt.Sprintf(`
SELECT error_id, error_type, error_code, error_reason, task_id, sub_task_id, scraper_name,
	request_url, proxy_url, status_code, response_url, exception, created_at
FROM %s
WHERE task_id = $1
ORDER BY created_at, error_id`, s.table)

	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var out []taxonomy.ErrorRecord
	for rows.Next() {
		var rec taxonomy.ErrorRecord
		var category string
		var subTaskID, scraper, proxyURL, responseURL *string
		err := rows.Scan(
			&rec.ErrorID,
			&category,
			&rec.ReasonCode,
			&rec.ReasonName,
			&rec.TaskID,
			&subTaskID,
			&scraper,
			&rec.RequestURL,
			&proxyURL,
			&rec.StatusCode,
			&responseURL,
			&rec.ExceptionText,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Category = taxonomy.Category(category)
		rec.SubTaskID = deref(subTaskID)
		rec.ScraperName = deref(scraper)
		rec.ProxyURL = deref(proxyURL)
		rec.ResponseURL = deref(responseURL)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
