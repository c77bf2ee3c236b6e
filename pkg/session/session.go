// Package session manages the sudo credential cache shared by all commands
// executed on behalf of an approval.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Manager validates and refreshes the sudo authentication session of the
// current user.
type Manager struct {
	sudoPath string
}

func NewManager() *Manager {
	return &Manager{sudoPath: "sudo"}
}

// Valid reports whether sudo credentials are currently cached, using the
// non-interactive validate flag.
func (m *Manager) Valid(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, m.sudoPath, "-n", "-v")
	err := cmd.Run()
	slog.Debug("Sudo cache check", "valid", err == nil)
	return err == nil
}

// Authenticate refreshes the sudo session interactively, letting sudo drive
// its own password prompt on the controlling terminal.
func (m *Manager) Authenticate(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.sudoPath, "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}
	slog.Info("Sudo authentication successful")
	return nil
}

// EnsureAuthenticated makes sure sudo credentials are valid, prompting the
// user when the cache has expired.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	if m.Valid(ctx) {
		slog.Debug("Sudo credentials are valid")
		return nil
	}
	slog.Info("Sudo credentials expired, requesting authentication...")
	return m.Authenticate(ctx)
}
