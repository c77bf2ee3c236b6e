// Package protocol defines the JSON wire protocol spoken between producers,
// the bridge, and the approver. Every frame is one JSON object discriminated
// by a required "type" field; frames that do not decode into a known message
// variant are rejected at the boundary.
package protocol

import (
	"time"

	"github.com/yarovit/bridgekeeper/pkg/queue"
)

type MessageType string

const (
	TypeRegister             MessageType = "register"
	TypeRegistered           MessageType = "registered"
	TypeAuth                 MessageType = "auth"
	TypeAuthenticated        MessageType = "authenticated"
	TypeError                MessageType = "error"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeCommandQueued        MessageType = "command_queued"
	TypeCommandStatus        MessageType = "command_status"
	TypeApprove              MessageType = "approve"
	TypeDecline              MessageType = "decline"
	TypeProducerDisconnected MessageType = "producer_disconnected"
)

// Message is implemented by every wire message variant.
type Message interface {
	MessageType() MessageType
}

// ProducerInfo is the public identity of a registered producer, both in the
// approver's authentication snapshot and in the metadata envelope attached
// to forwarded producer messages.
type ProducerInfo struct {
	ServerID        string `json:"serverId"`
	Hostname        string `json:"hostname"`
	PID             int    `json:"pid"`
	CWD             string `json:"cwd"`
	IsRemoteSession bool   `json:"isRemoteSession"`
}

// CommandInfo describes a newly queued command.
type CommandInfo struct {
	ID       string       `json:"id"`
	Command  string       `json:"command"`
	Status   queue.Status `json:"status"`
	QueuedAt time.Time    `json:"queuedAt"`
}

// CommandUpdate describes a status change of an already-announced command.
type CommandUpdate struct {
	ID     string        `json:"id"`
	Status queue.Status  `json:"status"`
	Result *queue.Result `json:"result,omitempty"`
}

// Register is the producer handshake. It carries the shared secret and the
// producer's identity metadata.
type Register struct {
	Type                MessageType `json:"type"`
	Token               string      `json:"token"`
	ServerID            string      `json:"serverId"`
	Hostname            string      `json:"hostname"`
	PID                 int         `json:"pid"`
	CWD                 string      `json:"cwd"`
	IsRemoteSession     bool        `json:"isRemoteSession"`
	RemoteClientAddress string      `json:"remoteClientAddress,omitempty"`
}

// Registered acknowledges a producer handshake, echoing its serverId.
type Registered struct {
	Type     MessageType `json:"type"`
	ServerID string      `json:"serverId"`
}

// Auth is the approver handshake.
type Auth struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// Authenticated acknowledges the approver handshake with a snapshot of all
// currently-registered producers, in registration order.
type Authenticated struct {
	Type      MessageType    `json:"type"`
	Producers []ProducerInfo `json:"producers"`
}

// Error reports an authentication failure or bad state to either role.
type Error struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// Ping and Pong are the application-level liveness probes.
type Ping struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// CommandQueued announces a new command request. Meta is injected by the
// bridge when relaying to the approver; producers leave it unset.
type CommandQueued struct {
	Type    MessageType   `json:"type"`
	Command CommandInfo   `json:"command"`
	Meta    *ProducerInfo `json:"_meta,omitempty"`
}

// CommandStatus announces a command status change. Meta is injected by the
// bridge when relaying to the approver.
type CommandStatus struct {
	Type    MessageType   `json:"type"`
	Command CommandUpdate `json:"command"`
	Meta    *ProducerInfo `json:"_meta,omitempty"`
}

// Approve is the operator's decision to run a command, addressed to the
// producer owning serverId.
type Approve struct {
	Type      MessageType `json:"type"`
	ServerID  string      `json:"serverId"`
	CommandID string      `json:"commandId"`
}

// Decline is the operator's decision to reject a command.
type Decline struct {
	Type      MessageType `json:"type"`
	ServerID  string      `json:"serverId"`
	CommandID string      `json:"commandId"`
}

// ProducerDisconnected notifies the approver that a registered producer's
// connection closed.
type ProducerDisconnected struct {
	Type     MessageType `json:"type"`
	ServerID string      `json:"serverId"`
}

func (m *Register) MessageType() MessageType             { return TypeRegister }
func (m *Registered) MessageType() MessageType           { return TypeRegistered }
func (m *Auth) MessageType() MessageType                 { return TypeAuth }
func (m *Authenticated) MessageType() MessageType        { return TypeAuthenticated }
func (m *Error) MessageType() MessageType                { return TypeError }
func (m *Ping) MessageType() MessageType                 { return TypePing }
func (m *Pong) MessageType() MessageType                 { return TypePong }
func (m *CommandQueued) MessageType() MessageType        { return TypeCommandQueued }
func (m *CommandStatus) MessageType() MessageType        { return TypeCommandStatus }
func (m *Approve) MessageType() MessageType              { return TypeApprove }
func (m *Decline) MessageType() MessageType              { return TypeDecline }
func (m *ProducerDisconnected) MessageType() MessageType { return TypeProducerDisconnected }

func NewError(msg string) *Error {
	return &Error{Type: TypeError, Error: msg}
}

func NewPing() *Ping { return &Ping{Type: TypePing} }
func NewPong() *Pong { return &Pong{Type: TypePong} }
