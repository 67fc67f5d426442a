package promptdag

import "sync"

// DefaultMaxUndo bounds the command history when no override is given.
const DefaultMaxUndo = 50

// Manager owns the graph and serializes every mutation through it. It
// is the single-writer path: commands apply one at a time under the
// manager's lock, which is what keeps the cycle check and the linear
// history safe without further coordination. Readers take a Snapshot
// under the same lock and work on the copy.
//
// The history is one linear sequence with a cursor. Applying a new
// command while the cursor is not at the tail discards everything after
// it; the sequence is bounded, evicting the oldest entry on overflow.
type Manager struct {
	mu      sync.Mutex
	graph   *Graph
	history []Command
	cursor  int
	maxUndo int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxUndo bounds the history to n commands.
func WithMaxUndo(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxUndo = n
		}
	}
}

// NewManager creates a manager owning the given graph. Callers must not
// mutate the graph directly afterwards.
func NewManager(g *Graph, opts ...ManagerOption) *Manager {
	m := &Manager{graph: g, maxUndo: DefaultMaxUndo}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply executes the command and records it. A command that fails its
// preconditions returns the error and is never pushed onto the history.
func (m *Manager) Apply(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := cmd.Apply(m.graph); err != nil {
		return err
	}

	m.history = append(m.history[:m.cursor], cmd)
	if len(m.history) > m.maxUndo {
		m.history = append([]Command(nil), m.history[1:]...)
	}
	m.cursor = len(m.history)

	m.graph.publish(CommandApplied{Command: cmd.Name()})
	return nil
}

// Undo reverses the command before the cursor.
func (m *Manager) Undo() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == 0 {
		return ErrNothingToUndo
	}
	cmd := m.history[m.cursor-1]
	if err := cmd.Undo(m.graph); err != nil {
		return err
	}
	m.cursor--

	m.graph.publish(CommandUndone{Command: cmd.Name()})
	return nil
}

// Redo re-applies the command after the cursor.
func (m *Manager) Redo() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == len(m.history) {
		return ErrNothingToRedo
	}
	cmd := m.history[m.cursor]
	if err := cmd.Apply(m.graph); err != nil {
		return err
	}
	m.cursor++

	m.graph.publish(CommandRedone{Command: cmd.Name()})
	return nil
}

// CanUndo reports whether an undo step is available.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor > 0
}

// CanRedo reports whether a redo step is available.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor < len(m.history)
}

// UndoName returns the name of the next command Undo would reverse.
func (m *Manager) UndoName() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == 0 {
		return "", false
	}
	return m.history[m.cursor-1].Name(), true
}

// RedoName returns the name of the next command Redo would re-apply.
func (m *Manager) RedoName() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == len(m.history) {
		return "", false
	}
	return m.history[m.cursor].Name(), true
}

// HistoryLen returns the number of recorded commands.
func (m *Manager) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Clear drops the whole history. The graph is unaffected.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.cursor = 0
}

// Snapshot returns a deep, point-in-time copy of the graph, safe to
// read from any goroutine. The assembler works exclusively on these.
func (m *Manager) Snapshot() *Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Clone()
}

// NodeExists reports whether the node currently exists.
func (m *Manager) NodeExists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.graph.Node(id)
	return ok
}

// bus exposes the graph's event bus to the queue built on this manager.
func (m *Manager) bus() *Bus {
	return m.graph.bus
}
