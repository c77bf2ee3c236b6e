package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeclined  Status = "declined"
)

// Terminal reports whether a command in this state has finished its lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeclined
}

// Result captures the outcome of executing a command.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut"`
	Duration int64  `json:"duration"` // milliseconds
}

// Command is one privileged-command request tracked by the queue.
type Command struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      Status     `json:"status"`
	QueuedAt    time.Time  `json:"queuedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// Listener receives a full snapshot of the queue after every mutation.
type Listener func(commands []Command)

// legalTransitions defines the only permitted status changes. Anything
// outside this map is a no-op.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusExecuting, StatusDeclined},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Queue is an ordered set of commands with a status state machine and
// change notification. All methods are safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	order        []string
	commands     map[string]*Command
	listeners    map[int]Listener
	nextListener int
}

func New() *Queue {
	return &Queue{
		commands:  make(map[string]*Command),
		listeners: make(map[int]Listener),
	}
}

// Add inserts a new pending command and returns a copy of its record.
func (q *Queue) Add(command string) Command {
	q.mu.Lock()
	cmd := &Command{
		ID:       uuid.NewString(),
		Command:  command,
		Status:   StatusPending,
		QueuedAt: time.Now(),
	}
	q.commands[cmd.ID] = cmd
	q.order = append(q.order, cmd.ID)
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	slog.Debug("Command added to queue", "id", cmd.ID)
	notify(listeners, snapshot)
	return *cmd
}

// UpdateStatus moves a command to a new status, optionally attaching an
// execution result. Unknown ids and illegal transitions do nothing and
// return false.
func (q *Queue) UpdateStatus(id string, status Status, result *Result) bool {
	q.mu.Lock()
	cmd, ok := q.commands[id]
	if !ok || !transitionAllowed(cmd.Status, status) {
		q.mu.Unlock()
		return false
	}
	cmd.Status = status
	if result != nil {
		cmd.Result = result
	}
	if status.Terminal() {
		now := time.Now()
		cmd.CompletedAt = &now
	}
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	slog.Debug("Command status updated", "id", id, "status", status)
	notify(listeners, snapshot)
	return true
}

// Decline moves a pending command to declined. Declining a command in any
// other state is a no-op.
func (q *Queue) Decline(id string) bool {
	return q.UpdateStatus(id, StatusDeclined, nil)
}

// DeclineAll declines every pending command, one mutation (and one
// notification) per command.
func (q *Queue) DeclineAll() {
	for _, cmd := range q.Pending() {
		q.Decline(cmd.ID)
	}
}

// Get returns a copy of the command with the given id.
func (q *Queue) Get(id string) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// All returns every command in insertion order.
func (q *Queue) All() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot, _ := q.snapshotLocked()
	return snapshot
}

// Pending returns the pending commands in insertion order.
func (q *Queue) Pending() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Command
	for _, id := range q.order {
		if cmd := q.commands[id]; cmd.Status == StatusPending {
			out = append(out, *cmd)
		}
	}
	return out
}

// HasActive reports whether any command is still pending or executing.
func (q *Queue) HasActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmd := range q.commands {
		if cmd.Status == StatusPending || cmd.Status == StatusExecuting {
			return true
		}
	}
	return false
}

// ClearCompleted removes every command in a terminal status and returns the
// number removed. Idempotent; fires no notification when nothing was removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		if q.commands[id].Status.Terminal() {
			delete(q.commands, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	if removed == 0 {
		q.mu.Unlock()
		return 0
	}
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	slog.Debug("Cleared completed commands from queue", "removed", removed)
	notify(listeners, snapshot)
	return removed
}

// OnChange registers a listener and returns a handle for RemoveListener.
func (q *Queue) OnChange(l Listener) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	return id
}

func (q *Queue) RemoveListener(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.listeners, id)
}

// Wait blocks until the command with the given id reaches a terminal status,
// resolving through the queue's change notifications rather than polling.
func (q *Queue) Wait(ctx context.Context, id string) (Command, error) {
	done := make(chan Command, 1)
	lid := q.OnChange(func(commands []Command) {
		for _, cmd := range commands {
			if cmd.ID == id && cmd.Status.Terminal() {
				select {
				case done <- cmd:
				default:
				}
				return
			}
		}
	})
	defer q.RemoveListener(lid)

	// The command may already be terminal.
	if cmd, ok := q.Get(id); ok && cmd.Status.Terminal() {
		return cmd, nil
	}

	select {
	case cmd := <-done:
		return cmd, nil
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

// snapshotLocked copies the current commands (insertion order) and listener
// set. Callers must hold q.mu.
func (q *Queue) snapshotLocked() ([]Command, []Listener) {
	snapshot := make([]Command, 0, len(q.order))
	for _, id := range q.order {
		snapshot = append(snapshot, *q.commands[id])
	}
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	return snapshot, listeners
}

// notify delivers the snapshot to each listener outside the queue lock. A
// panicking listener must not take down the queue or block other listeners.
func notify(listeners []Listener, snapshot []Command) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("Queue listener panicked", "panic", r)
				}
			}()
			l(snapshot)
		}()
	}
}
