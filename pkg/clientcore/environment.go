package clientcore

import (
	"os"
	"strings"
)

// Identity is the environment metadata a producer reports during its bridge
// handshake, so the approver can show where a command request came from.
type Identity struct {
	Hostname            string
	PID                 int
	CWD                 string
	IsRemoteSession     bool
	RemoteClientAddress string
}

// CaptureIdentity collects the current process's identity. The working
// directory is shortened with a ~ prefix when under the home directory.
func CaptureIdentity() Identity {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return Identity{
		Hostname:            hostname,
		PID:                 os.Getpid(),
		CWD:                 shortenPath(cwd),
		IsRemoteSession:     isRemoteSession(),
		RemoteClientAddress: remoteClientAddress(),
	}
}

// isRemoteSession reports whether the process runs inside an SSH session.
func isRemoteSession() bool {
	return os.Getenv("SSH_CONNECTION") != "" ||
		os.Getenv("SSH_CLIENT") != "" ||
		os.Getenv("SSH_TTY") != ""
}

// remoteClientAddress extracts the SSH client address, if any.
// SSH_CONNECTION is "client_ip client_port server_ip server_port".
func remoteClientAddress() string {
	fields := strings.Fields(os.Getenv("SSH_CONNECTION"))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func shortenPath(fullPath string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || !strings.HasPrefix(fullPath, home) {
		return fullPath
	}
	return "~" + strings.TrimPrefix(fullPath, home)
}
