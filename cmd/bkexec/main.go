package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/yarovit/bridgekeeper/pkg/clientcore"
	"github.com/yarovit/bridgekeeper/pkg/config"
	"github.com/yarovit/bridgekeeper/pkg/executor"
	"github.com/yarovit/bridgekeeper/pkg/logging"
	"github.com/yarovit/bridgekeeper/pkg/policy"
	"github.com/yarovit/bridgekeeper/pkg/queue"
	"github.com/yarovit/bridgekeeper/pkg/session"
	"github.com/yarovit/bridgekeeper/pkg/signals"
	"github.com/yarovit/bridgekeeper/pkg/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "BKEXEC PANIC: %v\n%s\n", r, string(debug.Stack()))
			slog.Error("PANIC", "error", r, "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	configPath := flag.String("config", "", "Path to config file (optional)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Bridgekeeper Exec %s, commit %s, built at %s\n", version, commit, date)
		return
	}

	command := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if command == "" {
		fmt.Fprintln(os.Stderr, "Usage: bkexec [flags] <command...>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Output is the command's output; keep logging on stderr.
	logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)

	blocklist := policy.Load(cfg.BlocklistPath)
	if decision := blocklist.Validate(command); !decision.Allowed {
		fmt.Fprintf(os.Stderr, "Command blocked by policy: %s\n", decision.Reason)
		os.Exit(1)
	}

	sharedToken, err := token.LoadOrGenerate(cfg.TokenPath)
	if err != nil {
		slog.Error("Failed to load or generate shared token", "error", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, sharedToken, command))
}

// run drives one command through the approval flow and returns the process
// exit code.
func run(cfg *config.Config, sharedToken, command string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var shutdownOnce sync.Once
	signals.SetupHandler(ctx, cancel, &shutdownOnce)

	q := queue.New()
	sess := session.NewManager()
	exec := executor.New(cfg.Executor.Timeout)

	client := clientcore.New(cfg.Client, sharedToken, q, clientcore.Handlers{
		OnApproved: func(id string) {
			executor.ExecuteQueued(ctx, id, q, sess, exec)
		},
		OnDeclined: func(id string) {
			q.Decline(id)
		},
	})

	clientErr := make(chan error, 1)
	go func() {
		clientErr <- client.Run(ctx)
	}()

	cmd := q.Add(command)
	fmt.Fprintf(os.Stderr, "Requesting approval for: %s\n", command)

	done := make(chan queue.Command, 1)
	waitErr := make(chan error, 1)
	go func() {
		final, err := q.Wait(ctx, cmd.ID)
		if err != nil {
			waitErr <- err
			return
		}
		done <- final
	}()

	select {
	case final := <-done:
		return report(final)
	case err := <-waitErr:
		fmt.Fprintf(os.Stderr, "Interrupted while waiting for approval: %v\n", err)
		return 130
	case err := <-clientErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		// Run returned cleanly: the context was cancelled under us.
		fmt.Fprintln(os.Stderr, "Interrupted while waiting for approval")
		return 130
	}
}

// report prints the command's captured output and maps its final status to
// an exit code.
func report(cmd queue.Command) int {
	switch cmd.Status {
	case queue.StatusDeclined:
		fmt.Fprintln(os.Stderr, "Command declined by operator")
		return 1
	case queue.StatusCompleted, queue.StatusFailed:
		if cmd.Result == nil {
			fmt.Fprintln(os.Stderr, "Command finished without a result")
			return 1
		}
		if cmd.Result.Stdout != "" {
			fmt.Fprint(os.Stdout, cmd.Result.Stdout)
		}
		if cmd.Result.Stderr != "" {
			fmt.Fprint(os.Stderr, cmd.Result.Stderr)
		}
		if cmd.Result.TimedOut {
			fmt.Fprintln(os.Stderr, "Command timed out")
		}
		if cmd.Result.ExitCode != 0 {
			return cmd.Result.ExitCode
		}
		if !cmd.Result.Success {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Command ended in unexpected status %q\n", cmd.Status)
		return 1
	}
}
