package postgres

import (
	"context"
	"fmt"
	"time"
	"webhookd/internal/apperrors"
	"webhookd/internal/outbox"

	"github.com/jackc/pgx/v5"
)

// FetchDue claims due entries and joins each with its endpoint. The claim
// and the lease write happen in one statement.
func (s *Store) FetchDue(ctx context.Context, limit int, lease time.Duration) ([]outbox.Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE webhook_outbox
			SET claimed_until = NOW() + make_interval(secs => $2)
			WHERE id IN (
				SELECT id FROM webhook_outbox
				WHERE next_attempt_at <= NOW()
				  AND attempts < $3
				  AND (claimed_until IS NULL OR claimed_until <= NOW())
				ORDER BY next_attempt_at, created_at, id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, event_type, payload, endpoint_id, attempts,
				next_attempt_at, last_error, created_at
		)
		SELECT c.id, c.event_type, c.payload, c.endpoint_id, c.attempts,
			c.next_attempt_at, COALESCE(c.last_error, ''), c.created_at,
			e.id, e.client_id, e.url, e.secret, e.events, e.is_active, e.created_at
		FROM claimed c
		LEFT JOIN webhook_endpoints e ON e.id = c.endpoint_id
		ORDER BY c.next_attempt_at, c.created_at, c.id`,
		limit, lease.Seconds(), outbox.MaxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: fetch due: %w", err)
	}
	defer rows.Close()

	var claimed []outbox.Claimed
	for rows.Next() {
		c, err := scanClaimed(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox/postgres: scan claimed: %w", err)
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox/postgres: fetch due: %w", err)
	}
	return claimed, nil
}

func scanClaimed(rows pgx.Rows) (outbox.Claimed, error) {
	var (
		c       outbox.Claimed
		payload []byte

		epID, epClient, epURL, epSecret *string
		epEvents                        []string
		epActive                        *bool
		epCreated                       *time.Time
	)
	err := rows.Scan(
		&c.ID, &c.EventType, &payload, &c.EndpointID, &c.Attempts,
		&c.NextAttemptAt, &c.LastError, &c.CreatedAt,
		&epID, &epClient, &epURL, &epSecret, &epEvents, &epActive, &epCreated,
	)
	if err != nil {
		return c, err
	}
	c.Payload = payload

	if epID != nil {
		c.Endpoint = &outbox.Endpoint{
			ID:        *epID,
			ClientID:  *epClient,
			URL:       *epURL,
			Secret:    *epSecret,
			Events:    epEvents,
			IsActive:  *epActive,
			CreatedAt: *epCreated,
		}
	}
	return c, nil
}

// Remove deletes an entry.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM webhook_outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox/postgres: remove %s: %w", id, err)
	}
	return nil
}

// RecordFailure stores retry state and clears the lease.
func (s *Store) RecordFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET attempts = $2, next_attempt_at = $3, last_error = $4, claimed_until = NULL
		WHERE id = $1`,
		id, attempts, nextAttemptAt, outbox.Truncate(lastError),
	)
	if err != nil {
		return fmt.Errorf("outbox/postgres: record failure %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("outbox entry", id)
	}
	return nil
}

// Release clears the lease without touching retry state.
func (s *Store) Release(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE webhook_outbox SET claimed_until = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox/postgres: release %s: %w", id, err)
	}
	return nil
}

// Enqueue inserts entries in one batch. Zero timestamps default to NOW().
func (s *Store) Enqueue(ctx context.Context, entries ...*outbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == "" {
			return apperrors.Validation("id", "outbox entry id is required")
		}
		batch.Queue(`
			INSERT INTO webhook_outbox (id, event_type, payload, endpoint_id, attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), COALESCE($7, NOW()))`,
			e.ID, e.EventType, string(e.Payload), e.EndpointID, e.Attempts,
			nullTime(e.NextAttemptAt), nullTime(e.CreatedAt),
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox/postgres: begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("outbox entry", "outbox entry already exists")
		}
		if isForeignKeyViolation(err) {
			return apperrors.Validation("endpoint_id", "outbox entry references an unknown endpoint")
		}
		return fmt.Errorf("outbox/postgres: enqueue: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox/postgres: commit enqueue: %w", err)
	}
	return nil
}

// Depth counts queued entries.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox/postgres: depth: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
