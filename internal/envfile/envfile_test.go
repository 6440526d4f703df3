package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBasic(t *testing.T) {
	path := writeTemp(t, `
# comment
FOO=bar
EMPTY=

SPACED = padded value
`)
	vars, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bar", vars["FOO"])
	require.Equal(t, "", vars["EMPTY"])
	require.Equal(t, "padded value", vars["SPACED"])
	_, hasComment := vars["# comment"]
	require.False(t, hasComment)
}

func TestLoadQuoting(t *testing.T) {
	path := writeTemp(t, `
DQ="hello # not a comment"
SQ='single quoted'
INLINE=value # trailing comment
HASHED=a#b
EQ=a=b=c
`)
	vars, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hello # not a comment", vars["DQ"])
	require.Equal(t, "single quoted", vars["SQ"])
	require.Equal(t, "value", vars["INLINE"])
	// "#" without a preceding space is part of the value.
	require.Equal(t, "a#b", vars["HASHED"])
	// Only the first "=" splits.
	require.Equal(t, "a=b=c", vars["EQ"])
}

func TestLoadMissingFile(t *testing.T) {
	vars, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
	require.Empty(t, vars)
}

func TestLoadDoesNotMutateEnvironment(t *testing.T) {
	path := writeTemp(t, "ENVFILE_PURITY_PROBE=leaked\n")
	_, err := Load(path)
	require.NoError(t, err)
	_, present := os.LookupEnv("ENVFILE_PURITY_PROBE")
	require.False(t, present)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		key   string
		value string
		ok    bool
	}{
		{"blank", "   ", "", "", false},
		{"comment", "# nope", "", "", false},
		{"no equals", "JUSTAKEY", "", "", false},
		{"plain", "A=1", "A", "1", true},
		{"key trailing ws", "A \t=1", "A", "1", true},
		{"mismatched quotes", `A="half`, "A", `"half`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, v, ok := parseLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.key, k)
				require.Equal(t, tt.value, v)
			}
		})
	}
}

func TestReset(t *testing.T) {
	Reset()
	// After Reset a default-path load re-reads the file; with no .env in
	// the test working directory this is an empty map, not an error.
	vars, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, vars)
	Reset()
}
