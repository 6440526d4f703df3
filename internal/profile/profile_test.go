package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAllowedChatIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int64
	}{
		{"empty", "", nil},
		{"single", "12345", []int64{12345}},
		{"negative group id", "-100987654321", []int64{-100987654321}},
		{"mixed with junk", "1, abc, 2,, 3.5, -4", []int64{1, 2, -4}},
		{"whitespace", " 7 , 8 ", []int64{7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseAllowedChatIDs(tt.raw))
		})
	}
}

func TestValidateRequiresAllowList(t *testing.T) {
	p := &Profile{BotToken: "tok", Data: t.TempDir()}
	err := p.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ALLOWED_CHAT_IDS")
}

func TestValidateRequiresToken(t *testing.T) {
	p := &Profile{AllowedChatIDs: []int64{1}, Data: t.TempDir()}
	require.Error(t, p.Validate())
}

func TestValidateCreatesLayout(t *testing.T) {
	p := &Profile{
		BotToken:       "tok",
		AllowedChatIDs: []int64{1},
		Data:           t.TempDir(),
	}
	require.NoError(t, p.Validate())
	require.DirExists(t, p.StoreDir())
	require.DirExists(t, p.UploadsDir())
	require.Equal(t, "dev", p.Mode)
}

func TestAgentTimeoutFromEnv(t *testing.T) {
	t.Setenv("AGENT_TIMEOUT_MS", "120000")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("ALLOWED_CHAT_IDS", "42")
	var p Profile
	p.FromEnv()
	require.Equal(t, 2*time.Minute, p.AgentTimeout)
	require.True(t, p.IsAllowedChat(42))
	require.False(t, p.IsAllowedChat(43))
}
