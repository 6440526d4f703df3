// Package bot is the chat orchestrator: it admits updates from the
// transport, dispatches commands, and drives queued agent turns.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/internal/profile"
	"github.com/hrygo/clawgate/memory"
	"github.com/hrygo/clawgate/metrics"
	"github.com/hrygo/clawgate/plugin/imagegen"
	"github.com/hrygo/clawgate/plugin/speech"
	"github.com/hrygo/clawgate/plugin/webhook"
	"github.com/hrygo/clawgate/queue"
	"github.com/hrygo/clawgate/store"
	"github.com/hrygo/clawgate/telegram"
)

// voiceReplyPattern recognizes an explicit ask for a spoken answer
// inside a transcribed voice message.
var voiceReplyPattern = regexp.MustCompile(
	`(?i)\b(?:respond|reply|answer)\s+(?:with|in|as|using)\s+(?:a\s+)?voice\b|\bsend\s+(?:a\s+)?voice\s+(?:message|note|reply)?\s*back\b`)

// Runner abstracts the agent runner for tests.
type Runner interface {
	Run(ctx context.Context, req *agent.RunRequest) *agent.RunResult
}

// Bot wires the orchestrator together.
type Bot struct {
	profile    *profile.Profile
	store      *store.Store
	memory     *memory.Core
	dispatcher *queue.Dispatcher
	limiter    *queue.RateLimiter
	runner     Runner
	transport  telegram.Transport

	stt    speech.Transcriber // nil when unconfigured
	tts    speech.Synthesizer // nil when unconfigured
	hooks  *webhook.Invoker   // may be unconfigured
	images imagegen.Generator // nil when unconfigured

	mu        sync.Mutex
	cancels   map[int64]chan struct{}
	voiceMode map[int64]bool

	// exit requests process termination; the service manager restarts.
	exit func(code int)
}

// Options carries the optional collaborators.
type Options struct {
	STT    speech.Transcriber
	TTS    speech.Synthesizer
	Hooks  *webhook.Invoker
	Images imagegen.Generator
	Exit   func(code int)
}

// New builds the orchestrator.
func New(p *profile.Profile, s *store.Store, mem *memory.Core, d *queue.Dispatcher,
	limiter *queue.RateLimiter, runner Runner, transport telegram.Transport, opts Options) *Bot {
	b := &Bot{
		profile:    p,
		store:      s,
		memory:     mem,
		dispatcher: d,
		limiter:    limiter,
		runner:     runner,
		transport:  transport,
		stt:        opts.STT,
		tts:        opts.TTS,
		hooks:      opts.Hooks,
		images:     opts.Images,
		cancels:    make(map[int64]chan struct{}),
		voiceMode:  make(map[int64]bool),
		exit:       opts.Exit,
	}
	if b.hooks == nil {
		b.hooks = webhook.NewInvoker("", "")
	}
	return b
}

// Run consumes the update channel until ctx is done.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			go b.HandleMessage(ctx, update.Message)
		}
	}
}

// HandleMessage performs admission and dispatch for one incoming
// message.
func (b *Bot) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.profile.IsAllowedChat(chatID) {
		slog.Warn("message from chat outside the allow-list ignored", "chat_id", chatID)
		metrics.MessagesRejected.WithLabelValues("not_allowed").Inc()
		return
	}

	switch {
	case msg.IsCommand():
		// Commands probe the window without consuming an admission.
		if !b.limiter.Peek(chatID) {
			metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
			b.reply(ctx, chatID, "Slow down a little — too many messages this minute.")
			return
		}
		b.handleCommand(ctx, chatID, msg)
	case msg.Voice != nil:
		if !b.admit(ctx, chatID) {
			return
		}
		b.handleVoice(ctx, chatID, msg)
	case len(msg.Photo) > 0:
		if !b.admit(ctx, chatID) {
			return
		}
		b.handlePhoto(ctx, chatID, msg)
	case msg.Document != nil:
		if !b.admit(ctx, chatID) {
			return
		}
		b.handleDocument(ctx, chatID, msg)
	case msg.Text != "":
		if !b.admit(ctx, chatID) {
			return
		}
		b.enqueueTurn(ctx, chatID, msg.Text, turnOptions{})
	}
}

func (b *Bot) admit(ctx context.Context, chatID int64) bool {
	if b.limiter.Allow(chatID) {
		return true
	}
	metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
	b.reply(ctx, chatID, "Slow down a little — too many messages this minute.")
	return false
}

// handleVoice downloads the recording, transcribes it, and processes
// the transcript as a text turn.
func (b *Bot) handleVoice(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	if b.stt == nil {
		b.reply(ctx, chatID, "Voice transcription is not configured.")
		return
	}

	// Telegram hands voice notes out as .oga; the transcriber wants .ogg.
	path, err := b.transport.DownloadFile(ctx, msg.Voice.FileID, b.profile.UploadsDir(), "ogg")
	if err != nil {
		slog.Warn("voice download failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not download that voice message.")
		return
	}

	text, err := b.stt.Transcribe(ctx, path)
	if err != nil {
		slog.Warn("transcription failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not transcribe that voice message.")
		return
	}

	opts := turnOptions{replyAsVoice: voiceReplyPattern.MatchString(text)}
	b.enqueueTurn(ctx, chatID, "[Voice transcribed]: "+text, opts)
}

// handlePhoto downloads the largest rendition and describes the upload
// to the agent.
func (b *Bot) handlePhoto(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	largest := msg.Photo[len(msg.Photo)-1]
	path, err := b.transport.DownloadFile(ctx, largest.FileID, b.profile.UploadsDir(), "jpg")
	if err != nil {
		slog.Warn("photo download failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not download that photo.")
		return
	}

	text := fmt.Sprintf("[Photo uploaded to %s]", path)
	if msg.Caption != "" {
		text += " " + msg.Caption
	}
	b.enqueueTurn(ctx, chatID, text, turnOptions{})
}

// handleDocument mirrors handlePhoto, preserving the filename.
func (b *Bot) handleDocument(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	doc := msg.Document
	ext := strings.TrimPrefix(filepath.Ext(doc.FileName), ".")
	path, err := b.transport.DownloadFile(ctx, doc.FileID, b.profile.UploadsDir(), ext)
	if err != nil {
		slog.Warn("document download failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not download that document.")
		return
	}

	text := fmt.Sprintf("[Document %q uploaded to %s]", doc.FileName, path)
	if msg.Caption != "" {
		text += " " + msg.Caption
	}
	b.enqueueTurn(ctx, chatID, text, turnOptions{})
}

// reply sends a short service message, logging failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.transport.SendText(ctx, chatID, text, ""); err != nil {
		slog.Warn("service reply failed", "chat_id", chatID, "error", err)
	}
}

// installCancel replaces the chat's cancellation handle and returns
// both the handle and a cleanup that removes it if still installed.
func (b *Bot) installCancel(chatID int64) (chan struct{}, func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.cancels[chatID] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if b.cancels[chatID] == ch {
			delete(b.cancels, chatID)
		}
		b.mu.Unlock()
	}
}

// tripCancel fires the chat's handle; reports whether one existed.
func (b *Bot) tripCancel(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.cancels[chatID]
	if !ok {
		return false
	}
	close(ch)
	delete(b.cancels, chatID)
	return true
}

func (b *Bot) voiceModeOn(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voiceMode[chatID]
}

func (b *Bot) toggleVoiceMode(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voiceMode[chatID] = !b.voiceMode[chatID]
	return b.voiceMode[chatID]
}
