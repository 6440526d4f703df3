package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/internal/format"
	"github.com/hrygo/clawgate/metrics"
	"github.com/hrygo/clawgate/queue"
	"github.com/hrygo/clawgate/store"
	"github.com/hrygo/clawgate/telegram"
)

const (
	// typingRefresh is the cadence of the typing indicator.
	typingRefresh = 4 * time.Second

	// contextWarnThreshold triggers the context-occupancy warning,
	// expressed against the nominal window.
	contextWarnThreshold = 150000
	contextWindowSize    = 200000
)

type turnOptions struct {
	replyAsVoice bool
	skipMemory   bool
}

// enqueueTurn schedules one agent turn on the chat's serial queue.
func (b *Bot) enqueueTurn(ctx context.Context, chatID int64, userMsg string, opts turnOptions) {
	err := b.dispatcher.Enqueue(ctx, queue.ChatKey(chatID), func(ctx context.Context) error {
		b.runTurn(ctx, chatID, userMsg, opts)
		return nil
	})
	if err != nil {
		slog.Warn("turn dispatch failed", "chat_id", chatID, "error", err)
	}
}

// runTurn is the full pipeline for one admitted message: typing
// indicator, memory context, agent invocation, session upsert, memory
// ingest, reply routing, ledger write, and context warnings.
func (b *Bot) runTurn(ctx context.Context, chatID int64, userMsg string, opts turnOptions) {
	started := time.Now()

	stopTyping := b.startTyping(ctx, chatID)
	defer stopTyping()

	memCtx := ""
	if b.memory != nil {
		memCtx = b.memory.BuildContext(ctx, chatID, userMsg)
	}
	prompt := userMsg
	if memCtx != "" {
		prompt = memCtx + "\n\n" + userMsg
	}

	sessionID, err := b.store.GetSession(ctx, chatID)
	if err != nil {
		slog.Warn("session lookup failed", "chat_id", chatID, "error", err)
	}

	cancelCh, removeCancel := b.installCancel(chatID)
	defer removeCancel()

	res := b.runner.Run(ctx, &agent.RunRequest{
		Message:   prompt,
		SessionID: sessionID,
		Cancel:    cancelCh,
		OnProgress: func(*agent.Event) {
			// Each observed event refreshes the indicator between ticks.
			_ = b.transport.SendAction(ctx, chatID, "typing")
		},
	})

	if res.SessionID != "" && res.SessionID != sessionID {
		if err := b.store.SetSession(ctx, chatID, res.SessionID); err != nil {
			slog.Warn("session upsert failed", "chat_id", chatID, "error", err)
		}
	}

	if !opts.skipMemory && b.memory != nil {
		if err := b.memory.Save(ctx, chatID, userMsg, res.Text, res.SessionID); err != nil {
			slog.Warn("memory ingest failed", "chat_id", chatID, "error", err)
		}
	}

	stopTyping()
	b.sendTurnReply(ctx, chatID, res, opts)
	b.recordUsage(ctx, chatID, res)

	outcome := "success"
	if res.Error != "" {
		outcome = res.Error
	}
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(time.Since(started).Seconds())
	if res.CostUSD > 0 {
		metrics.AgentCostUSD.Add(res.CostUSD)
	}
}

// startTyping emits the typing action immediately and then on every
// refresh tick until stopped. Stop is idempotent.
func (b *Bot) startTyping(ctx context.Context, chatID int64) func() {
	stop := make(chan struct{})
	var once sync.Once

	_ = b.transport.SendAction(ctx, chatID, "typing")
	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = b.transport.SendAction(ctx, chatID, "typing")
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
	}
}

// sendTurnReply routes the agent result back: voice when enabled and
// clean, split text otherwise, with the context-exhaustion hint for
// the known crash signature.
func (b *Bot) sendTurnReply(ctx context.Context, chatID int64, res *agent.RunResult, opts turnOptions) {
	text := res.Text
	if text == "" {
		text = "(no reply)"
	}

	// Long sessions can die with this signature once the window is
	// exhausted; surface occupancy and the recovery path.
	if res.Error != "" && strings.Contains(res.Error, "exited with code 1") {
		lastKnown, _ := b.store.LastCacheRead(ctx, res.SessionID)
		text = fmt.Sprintf(
			"The agent process crashed — this usually means the context window is exhausted (last known size: %d tokens). Use /newchat to start fresh, then /respin to carry over recent history.",
			lastKnown)
		b.reply(ctx, chatID, text)
		return
	}

	wantVoice := b.tts != nil && res.Error == "" && (opts.replyAsVoice || b.voiceModeOn(chatID))
	if wantVoice {
		audio, err := b.tts.Synthesize(ctx, text)
		if err == nil {
			if err := b.transport.SendVoice(ctx, chatID, audio); err == nil {
				return
			}
			slog.Warn("voice send failed, falling back to text", "chat_id", chatID, "error", err)
		} else {
			slog.Warn("synthesis failed, falling back to text", "chat_id", chatID, "error", err)
		}
	}

	b.sendFormatted(ctx, chatID, text)
}

// sendFormatted renders markdown to Telegram HTML and ships the
// chunks; rendering problems degrade to plain text.
func (b *Bot) sendFormatted(ctx context.Context, chatID int64, text string) {
	parseMode := "HTML"
	rendered, err := format.ToTelegramHTML(text)
	if err != nil || rendered == "" {
		parseMode = ""
		rendered = text
	}
	if err := telegram.SendChunks(ctx, b.transport, chatID, SplitMessage(rendered, MaxMessageLength), parseMode); err != nil {
		slog.Warn("reply delivery failed", "chat_id", chatID, "error", err)
	}
}

// recordUsage writes the ledger row and emits at most one context
// warning: compaction first, then the occupancy threshold.
func (b *Bot) recordUsage(ctx context.Context, chatID int64, res *agent.RunResult) {
	if res.Usage == nil {
		return
	}

	if err := b.store.SaveUsage(ctx, &store.UsageRecord{
		ChatID:       chatID,
		SessionID:    res.SessionID,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CacheRead:    res.LastCacheRead,
		CostUSD:      res.CostUSD,
		DidCompact:   res.DidCompact,
	}); err != nil {
		slog.Warn("usage write failed", "chat_id", chatID, "error", err)
	}

	switch {
	case res.DidCompact:
		b.reply(ctx, chatID,
			"⚠️ The conversation was compacted to fit the context window. Older details may be summarized — /newchat starts a clean session.")
	case res.LastCacheRead > contextWarnThreshold:
		pct := res.LastCacheRead * 100 / contextWindowSize
		b.reply(ctx, chatID, fmt.Sprintf(
			"⚠️ Context is %d%% full (%d tokens). Consider /newchat soon.", pct, res.LastCacheRead))
	}
}
