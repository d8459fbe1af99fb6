package postgres

import (
	"context"
	"fmt"
	"webhookd/internal/apperrors"
	"webhookd/internal/outbox"

	"github.com/jackc/pgx/v5"
)

const endpointColumns = `id, client_id, url, secret, events, is_active, created_at`

// CreateEndpoint inserts a new endpoint. A zero CreatedAt is filled from NOW().
func (s *Store) CreateEndpoint(ctx context.Context, ep *outbox.Endpoint) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (id, client_id, url, secret, events, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		RETURNING created_at`,
		ep.ID, ep.ClientID, ep.URL, ep.Secret, ep.Events, ep.IsActive, nullTime(ep.CreatedAt),
	).Scan(&ep.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("endpoint", "endpoint "+ep.ID+" already exists")
		}
		return fmt.Errorf("outbox/postgres: create endpoint: %w", err)
	}
	return nil
}

// GetEndpoint returns an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*outbox.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)

	ep, err := scanEndpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("endpoint", id)
		}
		return nil, fmt.Errorf("outbox/postgres: get endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints returns a client's endpoints, oldest first.
func (s *Store) ListEndpoints(ctx context.Context, clientID string) ([]*outbox.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE client_id = $1
		ORDER BY created_at, id`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: list endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

// ActiveEndpoints returns a client's active endpoints subscribed to eventType.
func (s *Store) ActiveEndpoints(ctx context.Context, clientID, eventType string) ([]*outbox.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE client_id = $1 AND is_active AND $2 = ANY(events)
		ORDER BY created_at, id`,
		clientID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: active endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

// DeactivateEndpoint marks an endpoint inactive.
func (s *Store) DeactivateEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_endpoints SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox/postgres: deactivate endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("endpoint", id)
	}
	return nil
}

func scanEndpoint(row pgx.Row) (*outbox.Endpoint, error) {
	ep := &outbox.Endpoint{}
	err := row.Scan(&ep.ID, &ep.ClientID, &ep.URL, &ep.Secret, &ep.Events, &ep.IsActive, &ep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func collectEndpoints(rows pgx.Rows) ([]*outbox.Endpoint, error) {
	defer rows.Close()

	var out []*outbox.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox/postgres: scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox/postgres: iterate endpoints: %w", err)
	}
	return out, nil
}
