package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// UsageRecord is one per-turn ledger row.
type UsageRecord struct {
	ID           int64
	ChatID       int64
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CostUSD      float64
	DidCompact   bool
	CreatedAt    int64
}

// UsageSummary aggregates the ledger over a period.
type UsageSummary struct {
	Turns        int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// SaveUsage appends one turn to the ledger.
func (s *Store) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	didCompact := 0
	if rec.DidCompact {
		didCompact = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (chat_id, session_id, input_tokens, output_tokens, cache_read, cost_usd, did_compact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChatID, rec.SessionID, rec.InputTokens, rec.OutputTokens, rec.CacheRead, rec.CostUSD, didCompact, now())
	return errors.Wrap(err, "failed to save usage")
}

// LastCacheRead returns the most recent cache_read for the session,
// zero when the session has no rows.
func (s *Store) LastCacheRead(ctx context.Context, sessionID string) (int64, error) {
	var cacheRead int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_read FROM token_usage WHERE session_id = ?
		ORDER BY id DESC LIMIT 1`, sessionID).Scan(&cacheRead)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read last cache size")
	}
	return cacheRead, nil
}

// UsageSince summarizes the chat's ledger rows created at or after
// since (unix seconds).
func (s *Store) UsageSince(ctx context.Context, chatID int64, since int64) (*UsageSummary, error) {
	sum := &UsageSummary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage WHERE chat_id = ? AND created_at >= ?`,
		chatID, since).Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize usage")
	}
	return sum, nil
}
