package promptdag

import "sync"

// Event is a discrete notification published by the graph, the command
// manager, or the execution queue. The core never depends on any event
// being observed; publishing with no subscribers is a no-op.
type Event interface {
	// Kind returns a stable dotted identifier, e.g. "node.added".
	Kind() string
}

// NodeAdded is published when a node is inserted into the graph.
type NodeAdded struct {
	NodeID string
	Name   string
}

func (NodeAdded) Kind() string { return "node.added" }

// NodeRemoved is published when a node is deleted from the graph.
type NodeRemoved struct {
	NodeID string
}

func (NodeRemoved) Kind() string { return "node.removed" }

// LinkAdded is published when a link is inserted into the graph.
type LinkAdded struct {
	LinkID   string
	SourceID string
	TargetID string
}

func (LinkAdded) Kind() string { return "link.added" }

// LinkRemoved is published when a link is deleted from the graph.
type LinkRemoved struct {
	LinkID   string
	SourceID string
	TargetID string
}

func (LinkRemoved) Kind() string { return "link.removed" }

// DirtyChanged is published when a node's dirty flag flips.
type DirtyChanged struct {
	NodeID string
	Dirty  bool
}

func (DirtyChanged) Kind() string { return "node.dirty_changed" }

// CommandApplied is published after a command commits.
type CommandApplied struct {
	Command string
}

func (CommandApplied) Kind() string { return "command.applied" }

// CommandUndone is published after a command is undone.
type CommandUndone struct {
	Command string
}

func (CommandUndone) Kind() string { return "command.undone" }

// CommandRedone is published after a command is re-applied.
type CommandRedone struct {
	Command string
}

func (CommandRedone) Kind() string { return "command.redone" }

// TaskQueued is published when a run request is accepted.
type TaskQueued struct {
	NodeID string
}

func (TaskQueued) Kind() string { return "task.queued" }

// TaskStarted is published when a task begins its provider call.
type TaskStarted struct {
	NodeID string
}

func (TaskStarted) Kind() string { return "task.started" }

// TaskProgress carries a streaming chunk from a provider.
type TaskProgress struct {
	NodeID string
	Chunk  string
}

func (TaskProgress) Kind() string { return "task.progress" }

// TaskCompleted is published after the result is committed to the graph.
type TaskCompleted struct {
	NodeID string
}

func (TaskCompleted) Kind() string { return "task.completed" }

// TaskFailed is published when a task ends with an error.
type TaskFailed struct {
	NodeID string
	Err    error
}

func (TaskFailed) Kind() string { return "task.failed" }

// TaskCancelled is published when a task is cancelled.
type TaskCancelled struct {
	NodeID string
}

func (TaskCancelled) Kind() string { return "task.cancelled" }

// SettingsChanged is published when a global setting mutates through a
// command.
type SettingsChanged struct {
	Key   string
	Value any
}

func (SettingsChanged) Kind() string { return "settings.changed" }

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus delivers events to subscribers. A nil *Bus is valid and drops
// everything, so components can publish unconditionally.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		h(ev)
	}
}
