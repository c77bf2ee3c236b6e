package bridgecore

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarovit/bridgekeeper/pkg/config"
	"github.com/yarovit/bridgekeeper/pkg/protocol"
	"github.com/yarovit/bridgekeeper/pkg/queue"
)

const testToken = "0123456789abcdef0123456789abcdef"

// startBridge runs a bridge on ephemeral loopback ports and tears it down
// with the test.
func startBridge(t *testing.T, keepalive time.Duration) *Bridge {
	t.Helper()
	cfg := &config.Config{
		Bridge: config.BridgeConfig{
			ListenAddress:     "127.0.0.1",
			ProducerPort:      0,
			ApproverPort:      0,
			KeepaliveInterval: keepalive,
		},
		ShutdownTimeout: 2 * time.Second,
	}
	b := New(cfg, testToken)
	require.NoError(t, b.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not shut down in time")
		}
	})
	return b
}

// wireConn is a test-side protocol connection.
type wireConn struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialWire(t *testing.T, addr net.Addr) *wireConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &wireConn{t: t, conn: conn, scanner: scanner}
}

func (w *wireConn) send(msg protocol.Message) {
	w.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(w.t, err)
	w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = w.conn.Write(data)
	require.NoError(w.t, err)
}

// recv returns the next decodable frame, skipping keepalive pings.
func (w *wireConn) recv() protocol.Message {
	w.t.Helper()
	for {
		w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		require.True(w.t, w.scanner.Scan(), "connection closed or read timed out: %v", w.scanner.Err())
		msg, err := protocol.Decode(w.scanner.Bytes())
		require.NoError(w.t, err)
		if _, isPing := msg.(*protocol.Ping); isPing {
			continue
		}
		return msg
	}
}

// expectClosed asserts the bridge closed this connection.
func (w *wireConn) expectClosed() {
	w.t.Helper()
	w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for w.scanner.Scan() {
	}
	// Scanner stops on EOF (nil error) or a reset; either means closed.
}

func register(t *testing.T, w *wireConn, serverID, hostname string) {
	t.Helper()
	w.send(&protocol.Register{
		Type:     protocol.TypeRegister,
		Token:    testToken,
		ServerID: serverID,
		Hostname: hostname,
		PID:      100,
		CWD:      "/srv",
	})
	msg := w.recv()
	reg, ok := msg.(*protocol.Registered)
	require.True(t, ok, "expected registered, got %T", msg)
	assert.Equal(t, serverID, reg.ServerID)
}

func authenticate(t *testing.T, w *wireConn) *protocol.Authenticated {
	t.Helper()
	w.send(&protocol.Auth{Type: protocol.TypeAuth, Token: testToken})
	msg := w.recv()
	auth, ok := msg.(*protocol.Authenticated)
	require.True(t, ok, "expected authenticated, got %T", msg)
	return auth
}

func TestProducerRegistration(t *testing.T) {
	b := startBridge(t, time.Minute)
	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")
	assert.Equal(t, 1, b.Registry().ProducerCount())
}

func TestProducerInvalidTokenClosesConnection(t *testing.T) {
	b := startBridge(t, time.Minute)
	p := dialWire(t, b.ProducerAddr())
	p.send(&protocol.Register{Type: protocol.TypeRegister, Token: "wrong", ServerID: "srv-x"})

	msg := p.recv()
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "Invalid token", errMsg.Error)
	p.expectClosed()
	assert.Equal(t, 0, b.Registry().ProducerCount())
}

func TestUnregisteredProducerMessagesRejectedButConnectionSurvives(t *testing.T) {
	b := startBridge(t, time.Minute)
	p := dialWire(t, b.ProducerAddr())

	p.send(&protocol.CommandQueued{
		Type:    protocol.TypeCommandQueued,
		Command: protocol.CommandInfo{ID: "c1", Command: "ls", Status: queue.StatusPending},
	})
	msg := p.recv()
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "Not authenticated", errMsg.Error)

	// The same connection can still register afterwards.
	register(t, p, "srv-late", "host")
}

func TestApproverAuthReceivesProducerSnapshotInOrder(t *testing.T) {
	b := startBridge(t, time.Minute)

	p1 := dialWire(t, b.ProducerAddr())
	register(t, p1, "srv-1", "host-1")
	p2 := dialWire(t, b.ProducerAddr())
	register(t, p2, "srv-2", "host-2")

	a := dialWire(t, b.ApproverAddr())
	auth := authenticate(t, a)
	require.Len(t, auth.Producers, 2)
	assert.Equal(t, "srv-1", auth.Producers[0].ServerID)
	assert.Equal(t, "srv-2", auth.Producers[1].ServerID)
	assert.Equal(t, "host-1", auth.Producers[0].Hostname)
}

func TestApproverInvalidTokenClosesConnection(t *testing.T) {
	b := startBridge(t, time.Minute)
	a := dialWire(t, b.ApproverAddr())
	a.send(&protocol.Auth{Type: protocol.TypeAuth, Token: "nope"})

	msg := a.recv()
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "Invalid token", errMsg.Error)
	a.expectClosed()
}

func TestCommandQueuedRelayedWithMetadata(t *testing.T) {
	b := startBridge(t, time.Minute)

	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")

	p.send(&protocol.CommandQueued{
		Type: protocol.TypeCommandQueued,
		Command: protocol.CommandInfo{
			ID:       "cmd-1",
			Command:  "systemctl restart sshd",
			Status:   queue.StatusPending,
			QueuedAt: time.Now(),
		},
	})

	msg := a.recv()
	queued, ok := msg.(*protocol.CommandQueued)
	require.True(t, ok, "expected command_queued, got %T", msg)
	assert.Equal(t, "cmd-1", queued.Command.ID)
	require.NotNil(t, queued.Meta)
	assert.Equal(t, "srv-1", queued.Meta.ServerID)
	assert.Equal(t, "host-1", queued.Meta.Hostname)
}

func TestApproveRoutedToMatchingProducer(t *testing.T) {
	b := startBridge(t, time.Minute)

	p1 := dialWire(t, b.ProducerAddr())
	register(t, p1, "srv-1", "host-1")
	p2 := dialWire(t, b.ProducerAddr())
	register(t, p2, "srv-2", "host-2")

	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	a.send(&protocol.Approve{Type: protocol.TypeApprove, ServerID: "srv-2", CommandID: "cmd-9"})

	msg := p2.recv()
	approve, ok := msg.(*protocol.Approve)
	require.True(t, ok, "expected approve, got %T", msg)
	assert.Equal(t, "cmd-9", approve.CommandID)

	// srv-1 must see nothing.
	p1.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if p1.scanner.Scan() {
		stray, err := protocol.Decode(p1.scanner.Bytes())
		require.NoError(t, err)
		_, isPing := stray.(*protocol.Ping)
		assert.True(t, isPing, "unexpected message for srv-1: %T", stray)
	}
}

func TestDeclineRoutedToProducer(t *testing.T) {
	b := startBridge(t, time.Minute)

	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")
	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	a.send(&protocol.Decline{Type: protocol.TypeDecline, ServerID: "srv-1", CommandID: "cmd-3"})

	msg := p.recv()
	decline, ok := msg.(*protocol.Decline)
	require.True(t, ok)
	assert.Equal(t, "cmd-3", decline.CommandID)
}

func TestApproveForUnknownProducerIsDropped(t *testing.T) {
	b := startBridge(t, time.Minute)
	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	// Dropped silently; the approver connection stays healthy.
	a.send(&protocol.Approve{Type: protocol.TypeApprove, ServerID: "ghost", CommandID: "c"})
	a.send(&protocol.Ping{Type: protocol.TypePing})
	msg := a.recv()
	_, ok := msg.(*protocol.Pong)
	assert.True(t, ok, "expected pong, got %T", msg)
}

func TestProducerDisconnectNotifiesApprover(t *testing.T) {
	b := startBridge(t, time.Minute)

	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")
	p.conn.Close()

	msg := a.recv()
	disc, ok := msg.(*protocol.ProducerDisconnected)
	require.True(t, ok, "expected producer_disconnected, got %T", msg)
	assert.Equal(t, "srv-1", disc.ServerID)
}

func TestUnregisteredProducerDisconnectSendsNoNotification(t *testing.T) {
	b := startBridge(t, time.Minute)

	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	p := dialWire(t, b.ProducerAddr())
	p.conn.Close()

	// Only a pong for our probe should arrive.
	time.Sleep(100 * time.Millisecond)
	a.send(&protocol.Ping{Type: protocol.TypePing})
	msg := a.recv()
	_, ok := msg.(*protocol.Pong)
	assert.True(t, ok, "expected pong, got %T", msg)
}

func TestNewApproverReplacesOld(t *testing.T) {
	b := startBridge(t, time.Minute)

	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")

	old := dialWire(t, b.ApproverAddr())
	authenticate(t, old)
	replacement := dialWire(t, b.ApproverAddr())
	authenticate(t, replacement)

	p.send(&protocol.CommandQueued{
		Type:    protocol.TypeCommandQueued,
		Command: protocol.CommandInfo{ID: "cmd-5", Command: "true", Status: queue.StatusPending},
	})

	msg := replacement.recv()
	queued, ok := msg.(*protocol.CommandQueued)
	require.True(t, ok, "expected command_queued, got %T", msg)
	assert.Equal(t, "cmd-5", queued.Command.ID)
}

func TestProducerPingAnsweredWithPong(t *testing.T) {
	b := startBridge(t, time.Minute)
	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")

	p.send(&protocol.Ping{Type: protocol.TypePing})
	msg := p.recv()
	_, ok := msg.(*protocol.Pong)
	assert.True(t, ok, "expected pong, got %T", msg)
}

func TestKeepalivePingsBothRoles(t *testing.T) {
	b := startBridge(t, 50*time.Millisecond)

	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")
	a := dialWire(t, b.ApproverAddr())
	authenticate(t, a)

	waitForPing := func(w *wireConn) {
		t.Helper()
		for {
			w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			require.True(t, w.scanner.Scan(), "no keepalive ping received")
			msg, err := protocol.Decode(w.scanner.Bytes())
			require.NoError(t, err)
			if _, ok := msg.(*protocol.Ping); ok {
				return
			}
		}
	}
	waitForPing(p)
	waitForPing(a)
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	b := startBridge(t, time.Minute)
	p := dialWire(t, b.ProducerAddr())
	register(t, p, "srv-1", "host-1")

	p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := p.conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The connection must still route messages afterwards.
	p.send(&protocol.Ping{Type: protocol.TypePing})
	msg := p.recv()
	_, ok := msg.(*protocol.Pong)
	assert.True(t, ok, "expected pong after malformed frame, got %T", msg)
}
