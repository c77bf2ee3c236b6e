package executor

import (
	"context"
	"log/slog"

	"github.com/yarovit/bridgekeeper/pkg/queue"
)

// SessionValidator makes sure the elevation credential cache is usable
// before a command runs.
type SessionValidator interface {
	EnsureAuthenticated(ctx context.Context) error
}

// ExecuteQueued drives one approved command through the queue state machine:
// pending -> executing -> completed or failed. Commands that are not pending
// are skipped. Downstream failures never propagate; they become a failed
// status with a synthetic result.
func ExecuteQueued(ctx context.Context, id string, q *queue.Queue, session SessionValidator, exec *Executor) {
	cmd, ok := q.Get(id)
	if !ok || cmd.Status != queue.StatusPending {
		return
	}

	q.UpdateStatus(id, queue.StatusExecuting, nil)

	if err := session.EnsureAuthenticated(ctx); err != nil {
		slog.Error("Command execution failed", "id", id, "error", err)
		q.UpdateStatus(id, queue.StatusFailed, &queue.Result{
			ExitCode: -1,
			Stderr:   err.Error(),
		})
		return
	}

	result := exec.Execute(ctx, cmd.Command)
	status := queue.StatusCompleted
	if !result.Success {
		status = queue.StatusFailed
	}
	q.UpdateStatus(id, status, &result)
}
