// Package clientcore implements the producer side of the bridge protocol:
// a reconnecting client that registers with the bridge, relays queue state
// to the approver, and dispatches the operator's decisions.
package clientcore

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yarovit/bridgekeeper/pkg/common"
	"github.com/yarovit/bridgekeeper/pkg/config"
	"github.com/yarovit/bridgekeeper/pkg/protocol"
	"github.com/yarovit/bridgekeeper/pkg/queue"
)

const (
	maxFrameSize      = 1 << 20
	approvalQueueSize = 64
)

// Handlers receives the operator's decisions. OnApproved calls are
// dispatched sequentially from a single goroutine: a batch of approvals
// executes one command at a time.
type Handlers struct {
	OnApproved func(commandID string)
	OnDeclined func(commandID string)
}

// Client maintains the producer's connection to the bridge. Connecting is
// time-bounded: attempts repeat on a fixed interval until the retry window
// elapses, after which the failure is reported to the caller.
type Client struct {
	cfg      config.ClientConfig
	token    string
	serverID string
	identity Identity
	queue    *queue.Queue
	handlers Handlers

	mu         sync.Mutex
	conn       net.Conn
	connected  bool
	sent       map[string]bool
	lastStatus map[string]queue.Status

	lastPing  atomic.Int64 // unix nanos of the last inbound ping
	approvals chan string
}

func New(cfg config.ClientConfig, sharedToken string, q *queue.Queue, handlers Handlers) *Client {
	return &Client{
		cfg:        cfg,
		token:      sharedToken,
		serverID:   uuid.NewString(),
		identity:   CaptureIdentity(),
		queue:      q,
		handlers:   handlers,
		sent:       make(map[string]bool),
		lastStatus: make(map[string]queue.Status),
		approvals:  make(chan string, approvalQueueSize),
	}
}

// ServerID returns this producer's randomly chosen identity token.
func (c *Client) ServerID() string { return c.serverID }

// Connected reports whether the client currently holds a registered
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects to the bridge and services the connection until ctx is
// cancelled, reconnecting after disconnects. It returns an error when a
// retry window elapses without a successful connection.
func (c *Client) Run(ctx context.Context) error {
	lid := c.queue.OnChange(func([]queue.Command) { c.syncCommands() })
	defer c.queue.RemoveListener(lid)

	// The dispatcher must not outlive Run even when Run fails before ctx
	// is cancelled.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		c.dispatchApprovals(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		c.close()
		dispatchWG.Wait()
	}()

	for {
		conn, err := c.connectWithRetry(ctx)
		if err != nil {
			return err
		}

		// Replay queue state the approver has not seen yet.
		c.syncCommands()

		c.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Bridge connection lost. Preparing to reconnect...")
	}
}

// connectWithRetry attempts to connect and register on a fixed interval
// until the retry window elapses.
func (c *Client) connectWithRetry(ctx context.Context) (*bridgeConn, error) {
	deadline := time.Now().Add(c.cfg.RetryWindow)
	var lastErr error

	for attempt := 1; ; attempt++ {
		conn, err := c.connectOnce(ctx)
		if err == nil {
			slog.Info("Connected to bridge", "addr", c.cfg.BridgeAddress, "server_id", c.serverID, "attempt", attempt)
			return conn, nil
		}
		lastErr = err

		remaining := time.Until(deadline)
		if remaining <= c.cfg.RetryInterval {
			return nil, fmt.Errorf("failed to connect to bridge after %s (is the bridge running?): %w",
				c.cfg.RetryWindow, lastErr)
		}
		slog.Warn("Failed to connect to bridge, retrying...",
			"error", err, "retry_in", c.cfg.RetryInterval, "remaining", remaining.Round(time.Second))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

type bridgeConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// connectOnce dials the bridge and performs the register handshake.
func (c *Client) connectOnce(ctx context.Context) (*bridgeConn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.BridgeAddress)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	reg := &protocol.Register{
		Type:                protocol.TypeRegister,
		Token:               c.token,
		ServerID:            c.serverID,
		Hostname:            c.identity.Hostname,
		PID:                 c.identity.PID,
		CWD:                 c.identity.CWD,
		IsRemoteSession:     c.identity.IsRemoteSession,
		RemoteClientAddress: c.identity.RemoteClientAddress,
	}
	data, err := protocol.Encode(reg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send registration: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if !scanner.Scan() {
		conn.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read registration response: %w", err)
		}
		return nil, fmt.Errorf("bridge closed connection during registration")
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.Registered:
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.lastPing.Store(time.Now().UnixNano())
		return &bridgeConn{conn: conn, scanner: scanner}, nil
	case *protocol.Error:
		conn.Close()
		return nil, fmt.Errorf("bridge rejected registration: %s", m.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected registration response %q", msg.MessageType())
	}
}

// serveConn reads messages and enforces the inbound-ping deadline until the
// connection dies. It guards against silent half-open connections the
// bridge still believes are alive.
func (c *Client) serveConn(ctx context.Context, bc *bridgeConn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		bc.conn.Close()
	}()

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go c.runPingWatchdog(ctx, bc.conn, watchdogDone)

	for bc.scanner.Scan() {
		msg, err := protocol.Decode(bc.scanner.Bytes())
		if err != nil {
			slog.Warn("Dropping undecodable frame from bridge", "error", err)
			continue
		}
		c.handleMessage(msg)
	}

	if err := bc.scanner.Err(); err != nil && ctx.Err() == nil && !common.IsConnectionClosedErr(err) {
		slog.Warn("Bridge connection read error", "error", err)
	}
}

func (c *Client) runPingWatchdog(ctx context.Context, conn net.Conn, done <-chan struct{}) {
	interval := c.cfg.PingDeadline / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPing.Load())
			if since := time.Since(last); since > c.cfg.PingDeadline {
				slog.Warn("No ping from bridge within deadline, closing connection",
					"silence", since.Round(time.Second), "deadline", c.cfg.PingDeadline)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		c.lastPing.Store(time.Now().UnixNano())
		// Courtesy reply; the bridge never requires it.
		c.send(protocol.NewPong())
	case *protocol.Pong:
		// Nothing to do.
	case *protocol.Approve:
		slog.Info("Command approved by operator", "command_id", m.CommandID)
		select {
		case c.approvals <- m.CommandID:
		default:
			slog.Error("Approval backlog full, dropping approval", "command_id", m.CommandID)
		}
	case *protocol.Decline:
		slog.Info("Command declined by operator", "command_id", m.CommandID)
		if c.handlers.OnDeclined != nil {
			c.handlers.OnDeclined(m.CommandID)
		}
	case *protocol.Error:
		slog.Error("Bridge reported error", "error", m.Error)
	default:
		slog.Debug("Ignoring unexpected message from bridge", "type", msg.MessageType())
	}
}

// dispatchApprovals executes approvals strictly one at a time. Privileged
// commands share one elevation session; running a batch concurrently is
// never safe.
func (c *Client) dispatchApprovals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.approvals:
			if c.handlers.OnApproved != nil {
				c.handlers.OnApproved(id)
			}
		}
	}
}

// syncCommands pushes queue state the bridge has not seen: each command is
// announced once, and status changes are sent only when they differ from
// the last delivered status. After a reconnect this replays everything the
// approver may have missed.
func (c *Client) syncCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}

	for _, cmd := range c.queue.All() {
		if !c.sent[cmd.ID] {
			msg := &protocol.CommandQueued{
				Type: protocol.TypeCommandQueued,
				Command: protocol.CommandInfo{
					ID:       cmd.ID,
					Command:  cmd.Command,
					Status:   cmd.Status,
					QueuedAt: cmd.QueuedAt,
				},
			}
			if err := c.sendLocked(msg); err != nil {
				return
			}
			c.sent[cmd.ID] = true
			c.lastStatus[cmd.ID] = cmd.Status
			continue
		}
		if c.lastStatus[cmd.ID] != cmd.Status {
			msg := &protocol.CommandStatus{
				Type: protocol.TypeCommandStatus,
				Command: protocol.CommandUpdate{
					ID:     cmd.ID,
					Status: cmd.Status,
					Result: cmd.Result,
				},
			}
			if err := c.sendLocked(msg); err != nil {
				return
			}
			c.lastStatus[cmd.ID] = cmd.Status
		}
	}
}

func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(msg)
}

func (c *Client) sendLocked(msg protocol.Message) error {
	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected to bridge")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	_, err = c.conn.Write(data)
	c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		slog.Warn("Failed to send message to bridge", "type", msg.MessageType(), "error", err)
		c.conn.Close()
		c.connected = false
		return err
	}
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
