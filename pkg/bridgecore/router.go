package bridgecore

import (
	"log/slog"

	"github.com/yarovit/bridgekeeper/pkg/protocol"
)

const (
	errInvalidToken     = "Invalid token"
	errNotAuthenticated = "Not authenticated"
)

// Router moves application messages between the one approver and the
// correct producers once both ends are authenticated. Producers never see
// each other; the approver addresses producers by serverId.
type Router struct {
	token     string
	registry  *Registry
	producers *Server
	approvers *Server
}

func NewRouter(token string, registry *Registry) *Router {
	return &Router{token: token, registry: registry}
}

// Bind wires the router to the two transport servers. Must be called before
// either server starts serving.
func (r *Router) Bind(producers, approvers *Server) {
	r.producers = producers
	r.approvers = approvers
}

// ProducerHandler returns the transport handler for the producer listener.
func (r *Router) ProducerHandler() Handler { return producerHandler{r} }

// ApproverHandler returns the transport handler for the approver listener.
func (r *Router) ApproverHandler() Handler { return approverHandler{r} }

type producerHandler struct{ r *Router }

func (h producerHandler) HandleConnect(id ConnID) {
	h.r.registry.Add(id, RoleProducer)
}

func (h producerHandler) HandleMessage(id ConnID, msg protocol.Message) {
	h.r.handleProducerMessage(id, msg)
}

func (h producerHandler) HandleClose(id ConnID) {
	h.r.handleProducerClose(id)
}

type approverHandler struct{ r *Router }

func (h approverHandler) HandleConnect(id ConnID) {
	h.r.registry.Add(id, RoleApprover)
}

func (h approverHandler) HandleMessage(id ConnID, msg protocol.Message) {
	h.r.handleApproverMessage(id, msg)
}

func (h approverHandler) HandleClose(id ConnID) {
	h.r.registry.Remove(id)
	// Producers find out about a lost approver through their own liveness
	// handling; no notification is sent.
}

func (r *Router) handleProducerMessage(id ConnID, msg protocol.Message) {
	if reg, ok := msg.(*protocol.Register); ok {
		r.registerProducer(id, reg)
		return
	}

	conn, ok := r.registry.Get(id)
	if !ok {
		return
	}
	if !conn.Authenticated {
		slog.Warn("Message from unauthenticated producer rejected", "conn", id, "type", msg.MessageType())
		r.producers.Send(id, protocol.NewError(errNotAuthenticated))
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		r.producers.Send(id, protocol.NewPong())
	case *protocol.Pong:
		// Liveness acknowledgment; nothing to route.
	case *protocol.CommandQueued:
		meta := conn.Identity
		m.Meta = &meta
		r.forwardToApprover(m)
	case *protocol.CommandStatus:
		meta := conn.Identity
		m.Meta = &meta
		r.forwardToApprover(m)
	default:
		slog.Debug("Dropping unroutable producer message", "conn", id, "type", msg.MessageType())
	}
}

func (r *Router) registerProducer(id ConnID, reg *protocol.Register) {
	if reg.Token != r.token {
		slog.Warn("Producer presented invalid token, closing connection", "conn", id)
		r.producers.Send(id, protocol.NewError(errInvalidToken))
		r.producers.CloseConn(id)
		return
	}

	identity := protocol.ProducerInfo{
		ServerID:        reg.ServerID,
		Hostname:        reg.Hostname,
		PID:             reg.PID,
		CWD:             reg.CWD,
		IsRemoteSession: reg.IsRemoteSession,
	}
	if !r.registry.AuthenticateProducer(id, identity, reg.RemoteClientAddress) {
		return
	}
	slog.Info("Producer registered", "conn", id, "server_id", reg.ServerID, "hostname", reg.Hostname, "pid", reg.PID)
	r.producers.Send(id, &protocol.Registered{Type: protocol.TypeRegistered, ServerID: reg.ServerID})
}

func (r *Router) handleProducerClose(id ConnID) {
	conn, ok := r.registry.Remove(id)
	if !ok || !conn.Authenticated {
		return
	}
	slog.Info("Producer disconnected", "conn", id, "server_id", conn.Identity.ServerID)
	r.forwardToApprover(&protocol.ProducerDisconnected{
		Type:     protocol.TypeProducerDisconnected,
		ServerID: conn.Identity.ServerID,
	})
}

func (r *Router) handleApproverMessage(id ConnID, msg protocol.Message) {
	if auth, ok := msg.(*protocol.Auth); ok {
		r.authenticateApprover(id, auth)
		return
	}

	conn, ok := r.registry.Get(id)
	if !ok {
		return
	}
	if !conn.Authenticated {
		slog.Warn("Message from unauthenticated approver rejected", "conn", id, "type", msg.MessageType())
		r.approvers.Send(id, protocol.NewError(errNotAuthenticated))
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		r.approvers.Send(id, protocol.NewPong())
	case *protocol.Pong:
		// Liveness acknowledgment; nothing to route.
	case *protocol.Approve:
		r.forwardToProducer(m.ServerID, m)
	case *protocol.Decline:
		r.forwardToProducer(m.ServerID, m)
	default:
		slog.Debug("Dropping unroutable approver message", "conn", id, "type", msg.MessageType())
	}
}

func (r *Router) authenticateApprover(id ConnID, auth *protocol.Auth) {
	if auth.Token != r.token {
		slog.Warn("Approver presented invalid token, closing connection", "conn", id)
		r.approvers.Send(id, protocol.NewError(errInvalidToken))
		r.approvers.CloseConn(id)
		return
	}
	if !r.registry.AuthenticateApprover(id) {
		return
	}
	slog.Info("Approver authenticated", "conn", id)
	r.approvers.Send(id, &protocol.Authenticated{
		Type:      protocol.TypeAuthenticated,
		Producers: r.registry.Producers(),
	})
}

// forwardToApprover relays a producer message to the current approver. With
// no approver attached the message is dropped; producers resynchronize on
// reconnection.
func (r *Router) forwardToApprover(msg protocol.Message) {
	aid, ok := r.registry.Approver()
	if !ok {
		slog.Debug("No approver attached, dropping message", "type", msg.MessageType())
		return
	}
	if err := r.approvers.Send(aid, msg); err != nil {
		slog.Debug("Failed to relay message to approver", "type", msg.MessageType(), "error", err)
	}
}

// forwardToProducer relays an approver message to the first producer
// connection matching serverId. Misses are dropped silently.
func (r *Router) forwardToProducer(serverID string, msg protocol.Message) {
	pid, ok := r.registry.FindProducer(serverID)
	if !ok {
		slog.Debug("No producer matches target, dropping message", "server_id", serverID, "type", msg.MessageType())
		return
	}
	if err := r.producers.Send(pid, msg); err != nil {
		slog.Debug("Failed to relay message to producer", "server_id", serverID, "type", msg.MessageType(), "error", err)
	}
}
