package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeNextRunMorning(t *testing.T) {
	after := time.Date(2025, 6, 15, 0, 0, 0, 0, time.Local)
	next, err := ComputeNextRun("30 6 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 15, 6, 30, 0, 0, time.Local).Unix(), next)
}

func TestComputeNextRunStrictlyFuture(t *testing.T) {
	// Exactly on the boundary the next fire is the following day.
	after := time.Date(2025, 6, 15, 6, 30, 0, 0, time.Local)
	next, err := ComputeNextRun("30 6 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 16, 6, 30, 0, 0, time.Local).Unix(), next)
}

func TestComputeNextRunEveryMinute(t *testing.T) {
	after := time.Date(2025, 1, 1, 12, 0, 30, 0, time.Local)
	next, err := ComputeNextRun("* * * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 1, 12, 1, 0, 0, time.Local).Unix(), next)
}

func TestComputeNextRunInvalid(t *testing.T) {
	_, err := ComputeNextRun("not a cron", time.Now())
	require.Error(t, err)

	// Six-field (seconds) expressions are outside the accepted surface.
	_, err = ComputeNextRun("0 30 6 * * *", time.Now())
	require.Error(t, err)
}

func TestValidateCron(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"30 6 * * *", true},
		{"*/5 * * * *", true},
		{"0 9 * * 1-5", true},
		{"", false},
		{"61 * * * *", false},
		{"banana", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ValidateCron(tt.expr), tt.expr)
	}
}

func TestValidateImpliesComputeDoesNotError(t *testing.T) {
	for _, expr := range []string{"30 6 * * *", "*/7 2 * * *", "15 */3 1 * *"} {
		require.True(t, ValidateCron(expr))
		_, err := ComputeNextRun(expr, time.Now())
		require.NoError(t, err)
	}
}
