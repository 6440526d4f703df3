package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hi**", "<b>hi</b>"},
		{"italic", "*hi*", "<i>hi</i>"},
		{"inline code", "run `ls`", "run <code>ls</code>"},
		{"heading", "# Title", "<b>Title</b>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToTelegramHTML(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestToTelegramHTMLList(t *testing.T) {
	got, err := ToTelegramHTML("- one\n- two")
	require.NoError(t, err)
	require.Contains(t, got, "• one")
	require.Contains(t, got, "• two")
	require.NotContains(t, got, "<ul>")
	require.NotContains(t, got, "<li>")
}

func TestToTelegramHTMLCodeBlock(t *testing.T) {
	got, err := ToTelegramHTML("```\necho hi\n```")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "<pre>"), got)
	require.Contains(t, got, "echo hi")
}

func TestToTelegramHTMLStripsUnknownTags(t *testing.T) {
	got, err := ToTelegramHTML("a | b\n--- | ---\n1 | 2")
	require.NoError(t, err)
	require.NotContains(t, got, "<table>")
	require.NotContains(t, got, "<div")
}
