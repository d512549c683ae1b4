package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PGRepo implements Repo using Postgres. Each session is stored as one JSONB
// document and replaced wholesale on write.
type PGRepo struct {
	DB *sql.DB
}

// Get returns a session by ID.
func (r *PGRepo) Get(ctx context.Context, sessionID string) (Session, error) {
	const query = `SELECT state FROM chat_sessions WHERE id = $1`
	var raw []byte
	err := r.DB.QueryRowContext(ctx, query, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return session, nil
}

// Put replaces the stored session.
func (r *PGRepo) Put(ctx context.Context, session Session) error {
	const query = `
INSERT INTO chat_sessions (id, state, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	_, err = r.DB.ExecContext(ctx, query, session.ID, payload)
	return err
}

// Delete removes a session. Deleting an absent session is not an error.
func (r *PGRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID)
	return err
}

var _ Repo = (*PGRepo)(nil)
