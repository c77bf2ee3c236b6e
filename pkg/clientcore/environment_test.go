package clientcore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearSSHEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SSH_CONNECTION", "")
	t.Setenv("SSH_CLIENT", "")
	t.Setenv("SSH_TTY", "")
	os.Unsetenv("SSH_CONNECTION")
	os.Unsetenv("SSH_CLIENT")
	os.Unsetenv("SSH_TTY")
}

func TestCaptureIdentityLocalSession(t *testing.T) {
	clearSSHEnv(t)

	id := CaptureIdentity()
	assert.NotEmpty(t, id.Hostname)
	assert.Equal(t, os.Getpid(), id.PID)
	assert.NotEmpty(t, id.CWD)
	assert.False(t, id.IsRemoteSession)
	assert.Empty(t, id.RemoteClientAddress)
}

func TestCaptureIdentityDetectsSSHSession(t *testing.T) {
	clearSSHEnv(t)
	t.Setenv("SSH_CONNECTION", "203.0.113.7 54412 192.0.2.1 22")

	id := CaptureIdentity()
	assert.True(t, id.IsRemoteSession)
	assert.Equal(t, "203.0.113.7", id.RemoteClientAddress)
}

func TestCaptureIdentityDetectsSSHTTY(t *testing.T) {
	clearSSHEnv(t)
	t.Setenv("SSH_TTY", "/dev/pts/3")

	id := CaptureIdentity()
	assert.True(t, id.IsRemoteSession)
	assert.Empty(t, id.RemoteClientAddress)
}

func TestShortenPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "~/projects", shortenPath(home+"/projects"))
	assert.Equal(t, "~", shortenPath(home))
	assert.Equal(t, "/var/log", shortenPath("/var/log"))
	assert.Equal(t, "", shortenPath(""))
}
