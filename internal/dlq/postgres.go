package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in the dead_letters table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the dead_letters table and its indexes when they
// do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id                TEXT PRIMARY KEY,
			topic             TEXT NOT NULL,
			partition         INT NOT NULL DEFAULT 0,
			event_id          TEXT NOT NULL DEFAULT '',
			event_type        TEXT NOT NULL DEFAULT '',
			aggregate_id      TEXT NOT NULL DEFAULT '',
			correlation_id    TEXT NOT NULL DEFAULT '',
			payload           BYTEA NOT NULL,
			error_type        TEXT NOT NULL DEFAULT '',
			error_message     TEXT NOT NULL DEFAULT '',
			attempts          INT NOT NULL DEFAULT 1,
			first_attempt_at  TIMESTAMPTZ NOT NULL,
			last_attempt_at   TIMESTAMPTZ NOT NULL,
			status            TEXT NOT NULL DEFAULT 'open',
			reprocess_count   INT NOT NULL DEFAULT 0,
			last_reprocess_at TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at_ms     BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS dead_letters_status_created_idx
			ON dead_letters (status, created_at_ms, id);
		CREATE INDEX IF NOT EXISTS dead_letters_open_topic_idx
			ON dead_letters (topic) WHERE status = 'open';
	`)
	if err != nil {
		return fmt.Errorf("%w: ensure schema: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			id, topic, partition, event_id, event_type, aggregate_id,
			correlation_id, payload, error_type, error_message, attempts,
			first_attempt_at, last_attempt_at, status, created_at, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.Topic, e.Partition, e.EventID, e.EventType, e.AggregateID,
		e.CorrelationID, e.Payload, e.ErrorType, e.ErrorMessage, e.Attempts,
		e.FirstAttempt, e.LastAttempt, e.Status, e.CreatedAt, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: append: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, topic, partition, event_id, event_type, aggregate_id,
		       correlation_id, payload, error_type, error_message, attempts,
		       first_attempt_at, last_attempt_at, status, reprocess_count,
		       last_reprocess_at, created_at
		FROM dead_letters
		WHERE id = $1
	`, id).Scan(
		&e.ID, &e.Topic, &e.Partition, &e.EventID, &e.EventType, &e.AggregateID,
		&e.CorrelationID, &e.Payload, &e.ErrorType, &e.ErrorMessage, &e.Attempts,
		&e.FirstAttempt, &e.LastAttempt, &e.Status, &e.ReprocessCount,
		&e.LastReprocess, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, id, err)
	}
	return e, nil
}

// ListOpen implements Store. Pagination is keyset over
// (created_at_ms, id) so pages stay stable while entries are appended.
func (s *PostgresStore) ListOpen(ctx context.Context, after Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, partition, event_id, event_type, aggregate_id,
		       correlation_id, payload, error_type, error_message, attempts,
		       first_attempt_at, last_attempt_at, status, reprocess_count,
		       last_reprocess_at, created_at
		FROM dead_letters
		WHERE status = 'open'
		  AND (created_at_ms, id) > ($1, $2)
		ORDER BY created_at_ms, id
		LIMIT $3
	`, after.Ms, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list open: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(
			&e.ID, &e.Topic, &e.Partition, &e.EventID, &e.EventType, &e.AggregateID,
			&e.CorrelationID, &e.Payload, &e.ErrorType, &e.ErrorMessage, &e.Attempts,
			&e.FirstAttempt, &e.LastAttempt, &e.Status, &e.ReprocessCount,
			&e.LastReprocess, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list open: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// RecordReprocess implements Store.
func (s *PostgresStore) RecordReprocess(ctx context.Context, id string, success bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters
		SET reprocess_count = reprocess_count + 1,
		    last_reprocess_at = $2,
		    status = CASE WHEN $3 THEN 'resolved' ELSE status END
		WHERE id = $1
	`, id, at, success)
	if err != nil {
		return fmt.Errorf("%w: record reprocess %s: %w", ErrStoreUnavailable, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, arrivalsSince time.Time) (Stats, error) {
	st := Stats{OpenByTopic: make(map[string]int64)}

	var attempts int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = 'open'),
		       count(*) FILTER (WHERE status = 'resolved'),
		       count(*) FILTER (WHERE created_at_ms >= $1),
		       COALESCE(sum(reprocess_count), 0)
		FROM dead_letters
	`, arrivalsSince.UnixMilli()).Scan(&st.Open, &st.Resolved, &st.RecentArrivals, &attempts)
	if err != nil {
		return st, fmt.Errorf("%w: stats: %w", ErrStoreUnavailable, err)
	}
	st.ReprocessSuccesses = st.Resolved
	st.ReprocessFailures = attempts - st.Resolved

	topicRows, err := s.pool.Query(ctx, `
		SELECT topic, count(*) FROM dead_letters WHERE status = 'open' GROUP BY topic
	`)
	if err != nil {
		return st, fmt.Errorf("%w: stats by topic: %w", ErrStoreUnavailable, err)
	}
	defer topicRows.Close()
	for topicRows.Next() {
		var topic string
		var n int64
		if err := topicRows.Scan(&topic, &n); err != nil {
			return st, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
		}
		st.OpenByTopic[topic] = n
	}
	if err := topicRows.Err(); err != nil {
		return st, fmt.Errorf("%w: stats by topic: %w", ErrStoreUnavailable, err)
	}
	return st, nil
}
