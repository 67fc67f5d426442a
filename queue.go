package promptdag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Logger provides structured logging. Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...any)
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
}

// TaskState is the lifecycle state of one run request.
type TaskState string

// Task lifecycle: Queued → Running → one terminal state.
const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

func (s TaskState) terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// Task tracks one run request through the queue. Completion and
// cancellation are mutually exclusive terminal transitions; whichever
// occurs first wins, and the loser is a no-op.
type Task struct {
	NodeID string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   TaskState
	err     error
	payload *Payload
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error for failed or cancelled tasks.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Payload returns the assembled payload the task ran with, once running.
func (t *Task) Payload() *Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payload
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// begin moves the task from queued to running. It fails if a terminal
// transition (cancellation) already happened.
func (t *Task) begin(payload *Payload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskStateQueued {
		return false
	}
	t.state = TaskStateRunning
	t.payload = payload
	return true
}

// finish attempts a terminal transition. The first caller wins.
func (t *Task) finish(state TaskState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return false
	}
	t.state = state
	t.err = err
	close(t.done)
	return true
}

// Queue schedules concurrent node runs against the graph. Each task
// assembles a payload from a point-in-time snapshot, calls the provider
// outside the mutation path, and on success re-enters the single-writer
// path by applying a SetOutputCommand through the manager. One node id
// has at most one in-flight task; duplicate run requests coalesce onto
// the existing task.
type Queue struct {
	manager  *Manager
	provider Provider
	settings Settings
	sem      *semaphore.Weighted
	logger   Logger

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger adds logging to the queue.
func WithLogger(logger Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates an execution queue over the manager's graph. The
// settings supply the concurrency cap, per-task timeout, system prompt,
// and default trace depth.
func NewQueue(manager *Manager, provider Provider, settings Settings, opts ...QueueOption) *Queue {
	settings = settings.normalize()
	q := &Queue{
		manager:  manager,
		provider: provider,
		settings: settings,
		sem:      semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		tasks:    make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) publish(ev Event) {
	q.manager.bus().Publish(ev)
}

func (q *Queue) debugf(ctx context.Context, msg string, kv ...any) {
	if q.logger != nil {
		q.logger.Debug(ctx, msg, kv...)
	}
}

// Run submits a run request for the node. If the node already has a
// queued or running task, that task is returned instead of dispatching
// a duplicate.
func (q *Queue) Run(ctx context.Context, nodeID string) (*Task, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if existing, ok := q.tasks[nodeID]; ok {
		q.mu.Unlock()
		q.debugf(ctx, "run request coalesced", "node", nodeID)
		return existing, nil
	}
	if !q.manager.NodeExists(nodeID) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		NodeID: nodeID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  TaskStateQueued,
	}
	q.tasks[nodeID] = t
	q.wg.Add(1)
	q.mu.Unlock()

	q.publish(TaskQueued{NodeID: nodeID})
	go q.execute(taskCtx, t)
	return t, nil
}

func (q *Queue) execute(ctx context.Context, t *Task) {
	defer q.wg.Done()
	defer func() {
		t.cancel()
		q.mu.Lock()
		delete(q.tasks, t.NodeID)
		q.mu.Unlock()
	}()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		if t.finish(TaskStateCancelled, ErrCancelled) {
			q.publish(TaskCancelled{NodeID: t.NodeID})
		}
		return
	}
	defer q.sem.Release(1)

	snapshot := q.manager.Snapshot()
	payload, err := Assemble(snapshot, t.NodeID, AssembleOptions{
		GlobalTokenLimit:  snapshot.GlobalTokenLimit,
		SystemPrompt:      q.settings.SystemPrompt,
		DefaultTraceDepth: q.settings.DefaultTraceDepth,
	})
	if err != nil {
		if t.finish(TaskStateFailed, err) {
			q.publish(TaskFailed{NodeID: t.NodeID, Err: err})
		}
		return
	}

	if !t.begin(payload) {
		// Cancelled while queued; the canceller already published.
		return
	}
	q.publish(TaskStarted{NodeID: t.NodeID})
	q.debugf(ctx, "task started", "node", t.NodeID, "tokens", payload.Tokens)

	node, _ := snapshot.Node(t.NodeID)
	callCtx := ctx
	var cancelTimeout context.CancelFunc
	if q.settings.TaskTimeout > 0 {
		callCtx, cancelTimeout = context.WithTimeout(ctx, q.settings.TaskTimeout)
		defer cancelTimeout()
	}

	output, err := q.send(callCtx, t, payload.Text, node.Config)
	if err != nil {
		q.fail(ctx, callCtx, t, err)
		return
	}
	q.complete(t, output)
}

// send dispatches to the provider, forwarding streaming chunks as
// progress events when the provider supports them.
func (q *Queue) send(ctx context.Context, t *Task, prompt string, config NodeConfig) (string, error) {
	if sp, ok := q.provider.(StreamingProvider); ok {
		return sp.SendStream(ctx, prompt, config, func(chunk string) {
			q.publish(TaskProgress{NodeID: t.NodeID, Chunk: chunk})
		})
	}
	return q.provider.Send(ctx, prompt, config)
}

// fail classifies a provider error into the cancelled, timed-out, or
// failed terminal state. The graph is never touched on this path.
func (q *Queue) fail(taskCtx, callCtx context.Context, t *Task, err error) {
	switch {
	case taskCtx.Err() != nil && errors.Is(taskCtx.Err(), context.Canceled):
		if t.finish(TaskStateCancelled, ErrCancelled) {
			q.publish(TaskCancelled{NodeID: t.NodeID})
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		terr := fmt.Errorf("%w: %v", ErrTimeout, err)
		if t.finish(TaskStateFailed, terr) {
			q.publish(TaskFailed{NodeID: t.NodeID, Err: terr})
		}
	default:
		if t.finish(TaskStateFailed, err) {
			q.publish(TaskFailed{NodeID: t.NodeID, Err: err})
		}
	}
}

// complete commits the output through the single-writer path. The
// terminal decision and the commit happen under the task lock so a
// concurrent cancel can never interleave: if cancellation won, the
// output is dropped and the graph stays untouched.
func (q *Queue) complete(t *Task, output string) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}

	cmd := &SetOutputCommand{NodeID: t.NodeID, Output: output}
	if err := q.manager.Apply(cmd); err != nil {
		t.state = TaskStateFailed
		t.err = err
		close(t.done)
		t.mu.Unlock()
		q.publish(TaskFailed{NodeID: t.NodeID, Err: err})
		return
	}

	t.state = TaskStateCompleted
	close(t.done)
	t.mu.Unlock()
	q.publish(TaskCompleted{NodeID: t.NodeID})
}

// Task returns the active task for the node, if any.
func (q *Queue) Task(nodeID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[nodeID]
	return t, ok
}

// Active returns the node ids with a queued or running task.
func (q *Queue) Active() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Cancel aborts the node's active task. The in-flight provider call is
// cancelled cooperatively and no output is committed.
func (q *Queue) Cancel(nodeID string) error {
	q.mu.Lock()
	t, ok := q.tasks[nodeID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTask, nodeID)
	}

	t.cancel()
	if t.finish(TaskStateCancelled, ErrCancelled) {
		q.publish(TaskCancelled{NodeID: nodeID})
	}
	return nil
}

// CancelAll aborts every active task.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	active := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		active = append(active, t)
	}
	q.mu.Unlock()

	for _, t := range active {
		t.cancel()
		if t.finish(TaskStateCancelled, ErrCancelled) {
			q.publish(TaskCancelled{NodeID: t.NodeID})
		}
	}
}

// Close cancels all active tasks, waits for their goroutines to exit,
// and rejects further submissions.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	q.wg.Wait()
}

// RunMany submits every node id and waits for all of them. The first
// failure cancels the remaining waits and is returned.
func (q *Queue) RunMany(ctx context.Context, nodeIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range nodeIDs {
		id := id
		g.Go(func() error {
			t, err := q.Run(ctx, id)
			if err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
			select {
			case <-t.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			if terr := t.Err(); terr != nil {
				return fmt.Errorf("node %s: %w", id, terr)
			}
			return nil
		})
	}
	return g.Wait()
}
