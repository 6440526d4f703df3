package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// GetSession returns the agent session id bound to the chat, or ""
// when the chat has no binding.
func (s *Store) GetSession(ctx context.Context, chatID int64) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM sessions WHERE chat_id = ?", chatID,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to get session")
	}
	return sessionID, nil
}

// SetSession upserts the chat's session binding.
func (s *Store) SetSession(ctx context.Context, chatID int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		chatID, sessionID, now())
	return errors.Wrap(err, "failed to set session")
}

// ClearSession removes the chat's session binding.
func (s *Store) ClearSession(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE chat_id = ?", chatID)
	return errors.Wrap(err, "failed to clear session")
}
