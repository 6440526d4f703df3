package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitDelay(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		delay time.Duration
		ok    bool
	}{
		{"not rate limit", errors.New("bad request"), 0, false},
		{"with retry after", errors.New("Too Many Requests: retry after 17"), 17 * time.Second, true},
		{"without retry after", errors.New("too many requests"), defaultRetryAfter, true},
		{"garbled seconds", errors.New("too many requests: retry after x"), defaultRetryAfter, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok := rateLimitDelay(tt.err)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.delay, delay)
		})
	}
}

func TestLocalFileName(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	require.Equal(t, "1700000000123-AbCdEfGh.ogg", LocalFileName("AbCdEfGhIjKl", "ogg", ts))
	require.Equal(t, "1700000000123-short.pdf", LocalFileName("short", ".pdf", ts))
	require.Equal(t, "1700000000123-short.bin", LocalFileName("short", "", ts))
}

func TestRedact(t *testing.T) {
	msg := "post https://api.telegram.org/bot123:SECRET/sendMessage failed"
	require.Equal(t,
		"post https://api.telegram.org/bot[redacted]/sendMessage failed",
		Redact(msg, "123:SECRET"))
	require.Equal(t, msg, Redact(msg, ""))
}
