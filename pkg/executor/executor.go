// Package executor runs approved commands under elevated privilege and
// drives their queue lifecycle.
package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/yarovit/bridgekeeper/pkg/queue"
)

const killGracePeriod = 5 * time.Second

// Executor spawns one shell per command under the configured elevation
// prefix and collects its output.
type Executor struct {
	// Prefix is the argv the command line is appended to.
	Prefix  []string
	Timeout time.Duration
}

func New(timeout time.Duration) *Executor {
	return &Executor{
		Prefix:  []string{"sudo", "bash", "-c"},
		Timeout: timeout,
	}
}

// Execute runs a single command to completion or timeout. It never returns
// an error; failures are captured in the result.
func (e *Executor) Execute(ctx context.Context, command string) queue.Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	argv := append(append([]string(nil), e.Prefix...), command)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On timeout, ask nicely first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	slog.Debug("Executing command", "argv0", argv[0], "command", command)
	err := cmd.Run()
	duration := time.Since(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	exitCode := 0
	errText := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Spawn failure, not a command failure.
			exitCode = -1
			errText = err.Error()
		}
	}

	stderrText := stderr.String()
	if errText != "" {
		if stderrText != "" {
			stderrText += "\n"
		}
		stderrText += errText
	}

	result := queue.Result{
		Success:  exitCode == 0 && !timedOut,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderrText,
		TimedOut: timedOut,
		Duration: duration.Milliseconds(),
	}
	slog.Debug("Command completed", "exit_code", result.ExitCode, "duration_ms", result.Duration, "timed_out", result.TimedOut)
	return result
}
