package bridgecore

import (
	"log/slog"
	"sync"

	"github.com/yarovit/bridgekeeper/pkg/protocol"
)

// Role distinguishes the two connection populations.
type Role string

const (
	RoleProducer Role = "producer"
	RoleApprover Role = "approver"
)

// Connection is the registry's record of one live transport connection.
// A connection moves from unauthenticated to authenticated exactly once,
// or straight to closed on a bad credential.
type Connection struct {
	ID            ConnID
	Role          Role
	Authenticated bool

	// Producer identity, set at registration.
	Identity            protocol.ProducerInfo
	RemoteClientAddress string
}

// Registry owns one record per live connection and tracks which connection
// is the current approver. At most one approver is current at any time; a
// newly authenticated approver silently replaces the previous one.
type Registry struct {
	mu            sync.RWMutex
	conns         map[ConnID]*Connection
	producerOrder []ConnID
	approverID    ConnID
	hasApprover   bool
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Connection),
	}
}

// Add records a fresh, unauthenticated connection.
func (r *Registry) Add(id ConnID, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &Connection{ID: id, Role: role}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id ConnID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// AuthenticateProducer marks a producer connection authenticated and stores
// its identity. Re-registration on an already-authenticated connection
// updates the identity without changing its registration order.
func (r *Registry) AuthenticateProducer(id ConnID, identity protocol.ProducerInfo, remoteClientAddress string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok || conn.Role != RoleProducer {
		return false
	}
	if !conn.Authenticated {
		r.producerOrder = append(r.producerOrder, id)
	}
	conn.Authenticated = true
	conn.Identity = identity
	conn.RemoteClientAddress = remoteClientAddress
	return true
}

// AuthenticateApprover marks an approver connection authenticated and makes
// it current, silently replacing any previous approver. The replaced
// connection is not closed or notified; it lingers until its own liveness
// handling tears it down.
func (r *Registry) AuthenticateApprover(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok || conn.Role != RoleApprover {
		return false
	}
	conn.Authenticated = true
	if r.hasApprover && r.approverID != id {
		slog.Info("New approver replaces previous one", "previous", r.approverID, "current", id)
	}
	r.approverID = id
	r.hasApprover = true
	return true
}

// Remove deletes the record for a closed connection and returns it.
func (r *Registry) Remove(id ConnID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	for i, pid := range r.producerOrder {
		if pid == id {
			r.producerOrder = append(r.producerOrder[:i], r.producerOrder[i+1:]...)
			break
		}
	}
	if r.hasApprover && r.approverID == id {
		r.hasApprover = false
	}
	return *conn, true
}

// Approver returns the current authenticated approver connection, if any.
func (r *Registry) Approver() (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasApprover {
		return 0, false
	}
	return r.approverID, true
}

// Producers returns the identities of all authenticated producers in
// registration order. The result is never nil so it serializes as an
// empty JSON array.
func (r *Registry) Producers() []protocol.ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ProducerInfo, 0, len(r.producerOrder))
	for _, id := range r.producerOrder {
		if conn, ok := r.conns[id]; ok && conn.Authenticated {
			out = append(out, conn.Identity)
		}
	}
	return out
}

// FindProducer returns the first authenticated producer connection whose
// serverId matches, in registration order. Only one match is ever used even
// if multiple connections claim the same serverId.
func (r *Registry) FindProducer(serverID string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.producerOrder {
		if conn, ok := r.conns[id]; ok && conn.Authenticated && conn.Identity.ServerID == serverID {
			return id, true
		}
	}
	return 0, false
}

// ProducerCount returns the number of authenticated producers.
func (r *Registry) ProducerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producerOrder)
}
