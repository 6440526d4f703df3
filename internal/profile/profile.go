// Package profile holds the runtime configuration for the gateway.
package profile

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultAgentTimeout = 5 * time.Minute

var chatIDPattern = regexp.MustCompile(`^-?\d+$`)

// Profile is the configuration to start the gateway.
type Profile struct {
	Mode string // "prod" or "dev"
	Data string // data directory root

	// Transport
	BotToken       string
	AllowedChatIDs []int64

	// Agent credentials are NOT stored here; the runner reads them from
	// the env file per call. Only tunables live in the profile.
	AgentSystemPrompt string
	AgentTimeout      time.Duration

	// Speech (both opt-in by key presence)
	OpenAIAPIKey      string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// Webhook invoker
	N8NBaseURL string
	N8NAPIKey  string

	// Image generation
	ImageAPIKey string
	ImageModel  string

	// Optional /healthz + /metrics listener, disabled when empty.
	HealthAddr string

	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// STTEnabled reports whether voice transcription is configured.
func (p *Profile) STTEnabled() bool { return p.OpenAIAPIKey != "" }

// TTSEnabled reports whether speech synthesis is configured.
func (p *Profile) TTSEnabled() bool { return p.ElevenLabsAPIKey != "" }

// IsAllowedChat reports whether the chat id is in the allow-list.
func (p *Profile) IsAllowedChat(chatID int64) bool {
	for _, id := range p.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// StoreDir returns the directory holding the database and pid file.
func (p *Profile) StoreDir() string { return filepath.Join(p.Data, "store") }

// DSN returns the sqlite database path.
func (p *Profile) DSN() string { return filepath.Join(p.StoreDir(), "clawgate.db") }

// PIDFile returns the singleton lock path.
func (p *Profile) PIDFile() string { return filepath.Join(p.StoreDir(), "clawgate.pid") }

// UploadsDir returns the attachment download directory.
func (p *Profile) UploadsDir() string { return filepath.Join(p.Data, "workspace", "uploads") }

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	p.AllowedChatIDs = ParseAllowedChatIDs(getEnvOrDefault("ALLOWED_CHAT_IDS", ""))

	p.AgentSystemPrompt = getEnvOrDefault("AGENT_SYSTEM_PROMPT", "")
	p.AgentTimeout = defaultAgentTimeout
	if raw := os.Getenv("AGENT_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			p.AgentTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	p.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", "")
	p.ElevenLabsAPIKey = getEnvOrDefault("ELEVENLABS_API_KEY", "")
	p.ElevenLabsVoiceID = getEnvOrDefault("ELEVENLABS_VOICE_ID", "")

	p.N8NBaseURL = getEnvOrDefault("N8N_BASE_URL", "")
	p.N8NAPIKey = getEnvOrDefault("N8N_API_KEY", "")

	p.ImageAPIKey = getEnvOrDefault("IMAGE_API_KEY", "")
	p.ImageModel = getEnvOrDefault("IMAGE_MODEL", "")

	p.HealthAddr = getEnvOrDefault("HEALTH_ADDR", "")
}

// ParseAllowedChatIDs parses the comma-separated allow-list. Entries
// that are not plain integers are dropped.
func ParseAllowedChatIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || !chatIDPattern.MatchString(part) {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the profile and prepares the data layout.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}
	if p.BotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	// Refuse to start open rather than serve every chat that writes in.
	if len(p.AllowedChatIDs) == 0 {
		return errors.New("ALLOWED_CHAT_IDS is empty; refusing to start without an allow-list")
	}

	if p.Data == "" {
		p.Data = "."
	}
	if !filepath.IsAbs(p.Data) {
		abs, err := filepath.Abs(p.Data)
		if err != nil {
			return errors.Wrapf(err, "unable to resolve data folder %s", p.Data)
		}
		p.Data = abs
	}
	p.Data = strings.TrimRight(p.Data, "\\/")

	for _, dir := range []string{p.StoreDir(), p.UploadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "unable to create data folder %s", dir)
		}
	}
	return nil
}
