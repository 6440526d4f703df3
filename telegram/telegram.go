// Package telegram implements the Telegram transport for the gateway.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

const (
	// MaxDownloadSize caps attachment downloads at 10 MiB, enforced
	// both on the advertised size and on the received bytes.
	MaxDownloadSize = 10 * 1024 * 1024

	// chunkDelay paces consecutive message chunks.
	chunkDelay = 300 * time.Millisecond

	defaultRetryAfter = 5 * time.Second
)

var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// Transport is the narrow surface the orchestrator talks through.
// The production implementation wraps the Bot API; tests use fakes.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text, parseMode string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte) error
	SendAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID, destDir, ext string) (string, error)
}

// Channel is the tgbotapi-backed Transport.
type Channel struct {
	bot    *tgbotapi.BotAPI
	client *http.Client
	sleep  func(time.Duration)
}

// NewChannel authenticates against the Bot API.
func NewChannel(botToken string) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Telegram bot")
	}
	return &Channel{
		bot: bot,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
		sleep: time.Sleep,
	}, nil
}

// Bot exposes the underlying API client for the update loop.
func (c *Channel) Bot() *tgbotapi.BotAPI { return c.bot }

// Self returns the bot's username.
func (c *Channel) Self() string { return c.bot.Self.UserName }

// SendText sends one message, retrying once on a rate-limit response
// and once more as plain text when the formatted variant keeps
// failing.
func (c *Channel) SendText(ctx context.Context, chatID int64, text, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode

	err := c.sendWithRateRetry(msg)
	if err == nil {
		return nil
	}
	if parseMode != "" {
		slog.Warn("formatted send failed, retrying as plain text",
			"chat_id", chatID, "error", Redact(err.Error(), c.bot.Token))
		msg.ParseMode = ""
		if plainErr := c.sendWithRateRetry(msg); plainErr == nil {
			return nil
		}
	}
	return errors.Errorf("failed to send message: %s", Redact(err.Error(), c.bot.Token))
}

func (c *Channel) sendWithRateRetry(msg tgbotapi.MessageConfig) error {
	_, err := c.bot.Send(msg)
	if err == nil {
		return nil
	}
	if delay, ok := rateLimitDelay(err); ok {
		slog.Warn("telegram rate limited, retrying", "delay", delay)
		c.sleep(delay)
		_, err = c.bot.Send(msg)
	}
	return err
}

// rateLimitDelay recognizes a "too many requests" failure and extracts
// the advertised retry-after, defaulting to 5 s.
func rateLimitDelay(err error) (time.Duration, bool) {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "too many requests") {
		return 0, false
	}
	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return defaultRetryAfter, true
}

// SendVoice sends synthesized audio as a voice note.
func (c *Channel) SendVoice(ctx context.Context, chatID int64, audio []byte) error {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "voice.ogg", Bytes: audio})
	if _, err := c.bot.Send(voice); err != nil {
		return errors.Errorf("failed to send voice: %s", Redact(err.Error(), c.bot.Token))
	}
	return nil
}

// SendPhoto sends generated image bytes with a caption.
func (c *Channel) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) error {
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.png", Bytes: photo})
	msg.Caption = caption
	if _, err := c.bot.Send(msg); err != nil {
		return errors.Errorf("failed to send photo: %s", Redact(err.Error(), c.bot.Token))
	}
	return nil
}

// SendAction refreshes a chat action (typing, upload_voice, ...).
func (c *Channel) SendAction(ctx context.Context, chatID int64, action string) error {
	_, err := c.bot.Request(tgbotapi.NewChatAction(chatID, action))
	return err
}

// DownloadFile fetches an attachment into destDir, rejecting anything
// over the size ceiling before the transfer (via file metadata) and
// after it (on the actual buffer). Returns the local path, named
// <epoch_ms>-<fileid8>.<ext>.
func (c *Channel) DownloadFile(ctx context.Context, fileID, destDir, ext string) (string, error) {
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", errors.Errorf("failed to get file info: %s", Redact(err.Error(), c.bot.Token))
	}
	if file.FileSize > MaxDownloadSize {
		return "", errors.Errorf("file too large: %d bytes (limit %d)", file.FileSize, MaxDownloadSize)
	}

	fileURL := file.Link(c.bot.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create download request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Errorf("download failed: %s", Redact(err.Error(), c.bot.Token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("download failed: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return "", errors.Wrap(err, "failed to read download body")
	}
	if len(data) > MaxDownloadSize {
		return "", errors.Errorf("file too large after download (limit %d)", MaxDownloadSize)
	}

	path := filepath.Join(destDir, LocalFileName(fileID, ext, time.Now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write download")
	}
	slog.Debug("downloaded attachment", "file_id", fileID, "size", len(data), "path", path)
	return path, nil
}

// LocalFileName builds the upload filename: epoch millis, the first
// eight characters of the file id, and the extension.
func LocalFileName(fileID, ext string, ts time.Time) string {
	prefix := fileID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%d-%s.%s", ts.UnixMilli(), prefix, ext)
}

// Redact removes the bot token from a message before it is logged or
// surfaced.
func Redact(msg, token string) string {
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "[redacted]")
}

// SendChunks sends each chunk in order with a short pause between
// consecutive messages.
func SendChunks(ctx context.Context, t Transport, chatID int64, chunks []string, parseMode string) error {
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-time.After(chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := t.SendText(ctx, chatID, chunk, parseMode); err != nil {
			return err
		}
	}
	return nil
}
