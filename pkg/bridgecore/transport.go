// Package bridgecore implements the bridge's core: the connection transport,
// the registry of producer and approver connections with its authentication
// gate, message routing between the two roles, and connection keepalive.
package bridgecore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yarovit/bridgekeeper/pkg/common"
	"github.com/yarovit/bridgekeeper/pkg/protocol"
)

const (
	writeTimeout = 2 * time.Second
	maxFrameSize = 1 << 20 // 1MB per JSON frame
)

// ErrConnNotOpen is returned by Send when the target connection is gone.
var ErrConnNotOpen = errors.New("connection is not open")

// ConnID identifies one live connection. Ids are process-unique and
// monotonically assigned.
type ConnID uint64

// Handler receives connection lifecycle and message events. HandleConnect,
// HandleMessage, and HandleClose for one connection are invoked from a
// single goroutine, in order.
type Handler interface {
	HandleConnect(id ConnID)
	HandleMessage(id ConnID, msg protocol.Message)
	HandleClose(id ConnID)
}

// Server owns one listening socket and the connections accepted from it.
// Frames are newline-delimited JSON objects; malformed frames are logged
// and dropped without closing the connection.
type Server struct {
	name      string
	handler   Handler
	keepalive time.Duration

	listener net.Listener
	mu       sync.RWMutex
	conns    map[ConnID]*serverConn
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

type serverConn struct {
	id      ConnID
	conn    net.Conn
	writeMu sync.Mutex
}

// NewServer creates a server that dispatches events to handler. keepalive
// is the TCP-level keepalive period applied to accepted connections.
func NewServer(name string, keepalive time.Duration, handler Handler) *Server {
	return &Server{
		name:      name,
		handler:   handler,
		keepalive: keepalive,
		conns:     make(map[ConnID]*serverConn),
	}
}

// Listen binds the listening socket. Failure to bind is fatal to the caller.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: failed to listen on %s: %w", s.name, addr, err)
	}
	s.listener = l
	slog.Info("Listener started", "server", s.name, "addr", l.Addr())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("%s: Serve called before Listen", s.name)
	}

	stopped := make(chan struct{})
	defer close(stopped)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.listener.Close()
		case <-stopped:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				slog.Info("Listener closed, stopping accept loop.", "server", s.name)
				return nil
			}
			slog.Error("Accept failed", "server", s.name, "error", err)
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok && s.keepalive > 0 {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(s.keepalive)
		}

		sc := &serverConn{id: ConnID(s.nextID.Add(1)), conn: conn}
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(sc)
		}()
	}
}

func (s *Server) handleConn(sc *serverConn) {
	logCtx := slog.With("server", s.name, "conn", sc.id, "remote_addr", sc.conn.RemoteAddr())
	logCtx.Debug("Connection accepted")

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		sc.conn.Close()
		s.handler.HandleClose(sc.id)
		logCtx.Debug("Connection closed")
	}()

	s.handler.HandleConnect(sc.id)

	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			// Malformed frames are dropped; the connection survives.
			logCtx.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		s.handler.HandleMessage(sc.id, msg)
	}

	if err := scanner.Err(); err != nil && !common.IsConnectionClosedErr(err) {
		logCtx.Warn("Connection read error", "error", err)
	}
}

// Send delivers one message to a single connection. It fails when the
// connection is not open.
func (s *Server) Send(id ConnID, msg protocol.Message) error {
	s.mu.RLock()
	sc, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return ErrConnNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = sc.conn.Write(data)
	sc.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		// A dead peer; close so the read loop tears the connection down.
		sc.conn.Close()
		return fmt.Errorf("%s: send %s to conn %d: %w", s.name, msg.MessageType(), id, err)
	}
	return nil
}

// Broadcast sends a message to every open connection, best-effort.
func (s *Server) Broadcast(msg protocol.Message) {
	s.mu.RLock()
	ids := make([]ConnID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Send(id, msg); err != nil && !errors.Is(err, ErrConnNotOpen) {
			slog.Debug("Broadcast send failed", "server", s.name, "conn", id, "error", err)
		}
	}
}

// CloseConn forcibly closes one connection. The read loop observes the
// close and fires HandleClose.
func (s *Server) CloseConn(id ConnID) {
	s.mu.RLock()
	sc, ok := s.conns[id]
	s.mu.RUnlock()
	if ok {
		sc.conn.Close()
	}
}

// Close shuts the listener and forcibly closes every open connection,
// waiting for the connection handlers bounded by ctx.
func (s *Server) Close(ctx context.Context) {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Debug("All connections closed", "server", s.name)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for connections to close during shutdown.", "server", s.name)
	}
}
