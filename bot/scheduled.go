package bot

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/metrics"
	"github.com/hrygo/clawgate/store"
)

// RunScheduledTask is the scheduler's executor: it drives the task
// prompt through the agent on the chat's session and delivers the
// result to the chat. Queueing is the scheduler's job; this runs
// inside the task-namespace slot.
func (b *Bot) RunScheduledTask(ctx context.Context, task *store.Task) (string, error) {
	sessionID, err := b.store.GetSession(ctx, task.ChatID)
	if err != nil {
		slog.Warn("session lookup failed for scheduled task", "task_id", task.ID, "error", err)
	}

	res := b.runner.Run(ctx, &agent.RunRequest{
		Message:   "[Scheduled task] " + task.Prompt,
		SessionID: sessionID,
	})

	if res.SessionID != "" && res.SessionID != sessionID {
		if err := b.store.SetSession(ctx, task.ChatID, res.SessionID); err != nil {
			slog.Warn("session upsert failed for scheduled task", "task_id", task.ID, "error", err)
		}
	}

	b.sendFormatted(ctx, task.ChatID, res.Text)
	b.recordUsage(ctx, task.ChatID, res)

	if res.Error != "" {
		metrics.ScheduledRuns.WithLabelValues("error").Inc()
		return res.Text, errors.New(res.Error)
	}
	metrics.ScheduledRuns.WithLabelValues("success").Inc()
	return res.Text, nil
}
