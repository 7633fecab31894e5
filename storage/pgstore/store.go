// Package pgstore implements model.Storage on top of PostgreSQL via pgx,
// adapting the teacher's repository-layer conventions (pgxpool.Pool,
// pgx.ErrNoRows translation) to the engine's single messages table.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/posthorn/posthorn/internal/model"
)

// Store is a model.Storage backed by a Postgres connection pool. It
// expects a table created with Schema.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Schema is the DDL Store expects to already exist; embedders run this
// (or an equivalent) before constructing a Store.
const Schema = `
CREATE TABLE IF NOT EXISTS posthorn_messages (
	message_id         text PRIMARY KEY,
	email               jsonb NOT NULL,
	status              jsonb NOT NULL,
	attempts_remaining  smallint NOT NULL,
	created_at          timestamptz NOT NULL DEFAULT now(),
	reported_at         timestamptz
);
`

func (s *Store) Store(email model.PreparedEmail, status model.InternalMessageStatus) error {
	emailJSON, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("pgstore: marshalling email: %w", err)
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("pgstore: marshalling status: %w", err)
	}

	_, err = s.pool.Exec(context.Background(), `
		INSERT INTO posthorn_messages (message_id, email, status, attempts_remaining)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE SET
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			attempts_remaining = EXCLUDED.attempts_remaining,
			reported_at = NULL`,
		status.MessageID, emailJSON, statusJSON, status.AttemptsRemaining)
	if err != nil {
		return fmt.Errorf("pgstore: storing %s: %w", status.MessageID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(status model.InternalMessageStatus) error {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("pgstore: marshalling status: %w", err)
	}

	tag, err := s.pool.Exec(context.Background(), `
		UPDATE posthorn_messages SET status = $2, attempts_remaining = $3
		WHERE message_id = $1`,
		status.MessageID, statusJSON, status.AttemptsRemaining)
	if err != nil {
		return fmt.Errorf("pgstore: updating %s: %w", status.MessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) Retrieve(messageID string) (model.PreparedEmail, model.InternalMessageStatus, error) {
	var emailJSON, statusJSON []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT email, status FROM posthorn_messages WHERE message_id = $1`, messageID,
	).Scan(&emailJSON, &statusJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.ErrNotFound
	}
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, fmt.Errorf("pgstore: retrieving %s: %w", messageID, err)
	}

	var email model.PreparedEmail
	if err := json.Unmarshal(emailJSON, &email); err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, fmt.Errorf("pgstore: unmarshalling email: %w", err)
	}
	var status model.InternalMessageStatus
	if err := json.Unmarshal(statusJSON, &status); err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, fmt.Errorf("pgstore: unmarshalling status: %w", err)
	}
	return email, status, nil
}

func (s *Store) RetrieveStatus(messageID string) (model.InternalMessageStatus, error) {
	var statusJSON []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT status FROM posthorn_messages WHERE message_id = $1`, messageID,
	).Scan(&statusJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.InternalMessageStatus{}, model.ErrNotFound
	}
	if err != nil {
		return model.InternalMessageStatus{}, fmt.Errorf("pgstore: retrieving status for %s: %w", messageID, err)
	}
	var status model.InternalMessageStatus
	if err := json.Unmarshal(statusJSON, &status); err != nil {
		return model.InternalMessageStatus{}, fmt.Errorf("pgstore: unmarshalling status: %w", err)
	}
	return status, nil
}

func (s *Store) RetrieveAllIncomplete() ([]model.InternalMessageStatus, error) {
	return s.queryStatuses(`SELECT status FROM posthorn_messages WHERE attempts_remaining > 0`)
}

func (s *Store) RetrieveAllRecent() ([]model.InternalMessageStatus, error) {
	statuses, err := s.queryStatuses(`
		SELECT status FROM posthorn_messages
		WHERE attempts_remaining > 0 OR reported_at IS NULL`)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(context.Background(), `
		UPDATE posthorn_messages SET reported_at = now()
		WHERE attempts_remaining = 0 AND reported_at IS NULL`); err != nil {
		return nil, fmt.Errorf("pgstore: marking recent messages reported: %w", err)
	}
	return statuses, nil
}

func (s *Store) queryStatuses(query string) ([]model.InternalMessageStatus, error) {
	rows, err := s.pool.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: querying statuses: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InternalMessageStatus, error) {
		var statusJSON []byte
		if err := row.Scan(&statusJSON); err != nil {
			return model.InternalMessageStatus{}, err
		}
		var status model.InternalMessageStatus
		err := json.Unmarshal(statusJSON, &status)
		return status, err
	})
}

var _ model.Storage = (*Store)(nil)
