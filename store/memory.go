package store

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Memory salience bounds.
const (
	MinSalience     = 0.1
	MaxSalience     = 5.0
	DecayFactor     = 0.98
	DefaultSalience = 1.0
)

// Sector labels for memories.
const (
	SectorSemantic = "semantic"
	SectorEpisodic = "episodic"
)

// Memory is one stored memory row.
type Memory struct {
	ID         int64
	ChatID     int64
	TopicKey   string
	Content    string
	Sector     string
	Salience   float64
	CreatedAt  int64
	AccessedAt int64
}

// CreateMemory inserts a memory with default salience.
func (s *Store) CreateMemory(ctx context.Context, chatID int64, sector, content, topicKey string) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (chat_id, topic_key, content, sector, salience, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chatID, topicKey, content, sector, DefaultSalience, ts, ts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create memory")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read memory id")
	}
	return id, nil
}

// SearchMemories runs a full-text query scoped to the chat, best rank
// first. An empty or fully-filtered query returns no rows without
// touching the index.
func (s *Store) SearchMemories(ctx context.Context, chatID int64, query string, limit int) ([]*Memory, error) {
	match := normalizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, COALESCE(m.topic_key, ''), m.content, m.sector, m.salience, m.created_at, m.accessed_at
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND m.chat_id = ?
		ORDER BY f.rank
		LIMIT ?`,
		match, chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search memories")
	}
	defer rows.Close()
	return scanMemories(rows)
}

// RecentMemories returns the chat's most recently accessed memories.
func (s *Store) RecentMemories(ctx context.Context, chatID int64, limit int) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, COALESCE(topic_key, ''), content, sector, salience, created_at, accessed_at
		FROM memories
		WHERE chat_id = ?
		ORDER BY accessed_at DESC, id DESC
		LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent memories")
	}
	defer rows.Close()
	return scanMemories(rows)
}

// TouchMemory bumps salience by delta (ceiling 5.0) and refreshes the
// access time.
func (s *Store) TouchMemory(ctx context.Context, id int64, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET salience = MIN(salience + ?, ?), accessed_at = ? WHERE id = ?`,
		delta, MaxSalience, now(), id)
	return errors.Wrap(err, "failed to touch memory")
}

// DeleteMemory removes one memory; the FTS triggers keep the index in
// the same transaction.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	return errors.Wrap(err, "failed to delete memory")
}

// DeleteChatMemories wipes all memories of a chat.
func (s *Store) DeleteChatMemories(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE chat_id = ?", chatID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete chat memories")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountMemories returns the chat's memory count.
func (s *Store) CountMemories(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memories WHERE chat_id = ?", chatID).Scan(&n)
	return n, errors.Wrap(err, "failed to count memories")
}

// PruneMemories deletes the chat's least salient, oldest-accessed rows
// until at most keep remain. Returns the number deleted.
func (s *Store) PruneMemories(ctx context.Context, chatID int64, keep int) (int64, error) {
	total, err := s.CountMemories(ctx, chatID)
	if err != nil {
		return 0, err
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE id IN (
			SELECT id FROM memories WHERE chat_id = ?
			ORDER BY salience ASC, accessed_at ASC
			LIMIT ?
		)`,
		chatID, excess)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune memories")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DecayMemories applies exponential time decay to every row older than
// 24 h. Rows falling below MinSalience are deleted; others are updated
// only when the drop is material. All work happens in one transaction.
func (s *Store) DecayMemories(ctx context.Context) (decayed, deleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to begin decay transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	nowTs := now()
	cutoff := nowTs - int64(24*time.Hour/time.Second)

	rows, err := tx.QueryContext(ctx,
		"SELECT id, salience, accessed_at FROM memories WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to select decay candidates")
	}

	type candidate struct {
		id       int64
		salience float64
		accessed int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.salience, &c.accessed); err != nil {
			rows.Close()
			return 0, 0, errors.Wrap(err, "failed to scan decay candidate")
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, errors.Wrap(err, "failed to iterate decay candidates")
	}

	for _, c := range candidates {
		hours := float64(nowTs-c.accessed) / 3600.0
		if hours < 0 {
			hours = 0
		}
		newSalience := c.salience * math.Pow(DecayFactor, hours)
		switch {
		case newSalience < MinSalience:
			if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", c.id); err != nil {
				return 0, 0, errors.Wrap(err, "failed to delete decayed memory")
			}
			deleted++
		case newSalience < c.salience-0.001:
			if _, err := tx.ExecContext(ctx, "UPDATE memories SET salience = ? WHERE id = ?", newSalience, c.id); err != nil {
				return 0, 0, errors.Wrap(err, "failed to update decayed memory")
			}
			decayed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "failed to commit decay transaction")
	}
	return decayed, deleted, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMemories(rows rowScanner) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		m := &Memory{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.TopicKey, &m.Content, &m.Sector, &m.Salience, &m.CreatedAt, &m.AccessedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate memories")
}
