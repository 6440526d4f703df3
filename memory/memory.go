// Package memory builds per-turn context from the store and ingests
// finished turns back into it. Episodic entries capture what the user
// said; semantic entries are durable facts extracted from replies.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hrygo/clawgate/internal/strutil"
	"github.com/hrygo/clawgate/store"
)

// Bounds for the memory subsystem.
const (
	MaxMemoriesPerChat = 200
	MaxEpisodicLen     = 500
	MaxSemanticLen     = 300
	ConversationKeep   = 500

	searchLimit = 3
	recentLimit = 5
	touchDelta  = 0.1
)

// factPatterns is the ordered surface-pattern table for semantic
// extraction. The first match per line wins; group 1 is the fact.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:remember|note|important|fyi)[:,]\s*(.+)$`),
	regexp.MustCompile(`(?i)(?:your|the)\s+(?:name|email|phone|address|birthday|preference)s?\s+(?:is|are)\s+(.+)$`),
	regexp.MustCompile(`(?i)\bI\s+(?:always|prefer|like|use|want|need)\s+(.+)$`),
	regexp.MustCompile(`(?i)^(?:don't forget|keep in mind|worth noting)[:,]\s*(.+)$`),
}

// Core is the memory subsystem bound to the store.
type Core struct {
	store *store.Store
}

// NewCore creates the memory core.
func NewCore(s *store.Store) *Core {
	return &Core{store: s}
}

// BuildContext assembles the memory block prepended to a user message:
// the top full-text matches for the message plus the most recently
// accessed entries, deduplicated. Surfaced search hits are touched.
// Returns "" when nothing is relevant.
func (c *Core) BuildContext(ctx context.Context, chatID int64, userMsg string) string {
	search, err := c.store.SearchMemories(ctx, chatID, userMsg, searchLimit)
	if err != nil {
		slog.Warn("memory search failed", "chat_id", chatID, "error", err)
	}
	recent, err := c.store.RecentMemories(ctx, chatID, recentLimit)
	if err != nil {
		slog.Warn("recent memory lookup failed", "chat_id", chatID, "error", err)
	}

	seen := make(map[int64]bool, len(search))
	for _, m := range search {
		seen[m.ID] = true
	}
	deduped := recent[:0]
	for _, m := range recent {
		if !seen[m.ID] {
			deduped = append(deduped, m)
		}
	}
	recent = deduped

	if len(search) == 0 && len(recent) == 0 {
		return ""
	}

	// Touching is the single mutation a context build performs.
	for _, m := range search {
		if err := c.store.TouchMemory(ctx, m.ID, touchDelta); err != nil {
			slog.Warn("memory touch failed", "memory_id", m.ID, "error", err)
		}
	}

	var b strings.Builder
	b.WriteString("<memory-context>\n")
	if len(search) > 0 {
		b.WriteString("## Relevant Memories\n")
		for _, m := range search {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Sector, m.Content)
		}
	}
	if len(recent) > 0 {
		b.WriteString("## Recent Memories\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Sector, m.Content)
		}
	}
	b.WriteString("</memory-context>")
	return b.String()
}

// Save ingests one finished turn: both sides go to the conversation
// log, the user side may become an episodic memory, the reply is
// scanned for semantic facts, and the chat's memory count is pruned
// back under its cap.
func (c *Core) Save(ctx context.Context, chatID int64, userMsg, reply, sessionID string) error {
	if err := c.store.AppendConversation(ctx, chatID, sessionID, store.RoleUser, userMsg); err != nil {
		return err
	}
	if err := c.store.AppendConversation(ctx, chatID, sessionID, store.RoleAssistant, reply); err != nil {
		return err
	}

	if len(userMsg) > 20 && !strings.HasPrefix(userMsg, "/") {
		if _, err := c.store.CreateMemory(ctx, chatID, store.SectorEpisodic, strutil.Clip(userMsg, MaxEpisodicLen), ""); err != nil {
			slog.Warn("episodic insert failed", "chat_id", chatID, "error", err)
		}
	}

	for _, fact := range ExtractFacts(reply) {
		if _, err := c.store.CreateMemory(ctx, chatID, store.SectorSemantic, fact, ""); err != nil {
			slog.Warn("semantic insert failed", "chat_id", chatID, "error", err)
		}
	}

	if _, err := c.store.PruneMemories(ctx, chatID, MaxMemoriesPerChat); err != nil {
		slog.Warn("memory prune failed", "chat_id", chatID, "error", err)
	}
	return nil
}

// ExtractFacts scans reply lines of length 10–500 against the pattern
// table; the first matching pattern per line contributes one fact.
func ExtractFacts(reply string) []string {
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 10 || len(line) > 500 {
			continue
		}
		for _, pattern := range factPatterns {
			if m := pattern.FindStringSubmatch(line); m != nil {
				fact := strings.TrimSpace(m[1])
				if fact != "" {
					facts = append(facts, strutil.Clip(fact, MaxSemanticLen))
				}
				break
			}
		}
	}
	return facts
}

// DecaySweep runs the hourly maintenance: store-level salience decay
// plus conversation-log pruning.
func (c *Core) DecaySweep(ctx context.Context) {
	decayed, deleted, err := c.store.DecayMemories(ctx)
	if err != nil {
		slog.Error("memory decay failed", "error", err)
	} else if decayed > 0 || deleted > 0 {
		slog.Info("memory decay sweep", "decayed", decayed, "deleted", deleted)
	}

	pruned, err := c.store.PruneConversations(ctx, ConversationKeep)
	if err != nil {
		slog.Error("conversation prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("conversation log pruned", "removed", pruned)
	}
}
