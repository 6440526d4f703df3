package store

import (
	"context"

	"github.com/pkg/errors"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationEntry is one logged message.
type ConversationEntry struct {
	ID        int64
	ChatID    int64
	SessionID string
	Role      string
	Content   string
	CreatedAt int64
}

// AppendConversation logs one side of a turn.
func (s *Store) AppendConversation(ctx context.Context, chatID int64, sessionID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		chatID, sessionID, role, content, now())
	return errors.Wrap(err, "failed to append conversation")
}

// RecentConversations returns the newest entries first.
func (s *Store) RecentConversations(ctx context.Context, chatID int64, limit int) ([]*ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, COALESCE(session_id, ''), role, content, created_at
		FROM conversations WHERE chat_id = ?
		ORDER BY id DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	var out []*ConversationEntry
	for rows.Next() {
		e := &ConversationEntry{}
		if err := rows.Scan(&e.ID, &e.ChatID, &e.SessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate conversations")
}

// PruneConversations keeps only the most recent keep entries per chat.
// Returns the number of rows removed across all chats.
func (s *Store) PruneConversations(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id NOT IN (
			SELECT id FROM conversations c2
			WHERE c2.chat_id = conversations.chat_id
			ORDER BY c2.id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune conversations")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
