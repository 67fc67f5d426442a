package promptdag_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentstation/promptdag"
)

func newQueueFixture(t *testing.T, provider promptdag.Provider, settings promptdag.Settings) (*promptdag.Manager, *promptdag.Queue, *promptdag.Node) {
	t.Helper()
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	n := promptdag.NewNode("worker")
	n.Prompt = "do the thing"
	if err := m.Apply(&promptdag.AddNodeCommand{Node: n}); err != nil {
		t.Fatal(err)
	}
	q := promptdag.NewQueue(m, provider, settings)
	t.Cleanup(q.Close)
	return m, q, n
}

func waitDone(t *testing.T, task *promptdag.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestQueueCompletionCommitsOutput(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		if !strings.Contains(prompt, "do the thing") {
			t.Errorf("prompt missing node text: %q", prompt)
		}
		return "the answer", nil
	})
	m, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())

	task, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if task.State() != promptdag.TaskStateCompleted {
		t.Fatalf("state = %s, want completed", task.State())
	}
	snap := m.Snapshot()
	node, _ := snap.Node(n.ID)
	if node.CachedOutput != "the answer" {
		t.Errorf("CachedOutput = %q", node.CachedOutput)
	}
	if node.IsDirty {
		t.Error("completed node left dirty")
	}

	// Completion went through the command path, so it is undoable.
	if name, _ := m.UndoName(); name != "set-output" {
		t.Fatalf("UndoName = %q, want set-output", name)
	}
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	node, _ = m.Snapshot().Node(n.ID)
	if node.CachedOutput != "" {
		t.Errorf("CachedOutput after undo = %q, want empty", node.CachedOutput)
	}
}

func TestQueueCoalescesDuplicateRuns(t *testing.T) {
	release := make(chan struct{})
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		<-release
		return "ok", nil
	})
	_, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())

	first, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("duplicate run did not coalesce onto the existing task")
	}
	if got := q.Active(); len(got) != 1 {
		t.Errorf("Active = %v, want one entry", got)
	}

	close(release)
	waitDone(t, first)
}

func TestQueueCancelDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		close(started)
		<-ctx.Done()
		return "too late", ctx.Err()
	})
	m, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())
	historyBefore := m.HistoryLen()

	task, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := q.Cancel(n.ID); err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if task.State() != promptdag.TaskStateCancelled {
		t.Fatalf("state = %s, want cancelled", task.State())
	}
	if !errors.Is(task.Err(), promptdag.ErrCancelled) {
		t.Errorf("Err = %v, want ErrCancelled", task.Err())
	}

	node, _ := m.Snapshot().Node(n.ID)
	if node.CachedOutput != "" {
		t.Errorf("cancelled task committed output %q", node.CachedOutput)
	}
	if m.HistoryLen() != historyBefore {
		t.Error("cancelled task pushed a command")
	}
}

func TestQueueCancelWithoutTask(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		return "", nil
	})
	_, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())

	if err := q.Cancel(n.ID); !errors.Is(err, promptdag.ErrNoTask) {
		t.Fatalf("Cancel = %v, want ErrNoTask", err)
	}
}

func TestQueueTimeout(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	settings := promptdag.DefaultSettings()
	settings.TaskTimeout = 20 * time.Millisecond
	m, q, n := newQueueFixture(t, provider, settings)

	task, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if task.State() != promptdag.TaskStateFailed {
		t.Fatalf("state = %s, want failed", task.State())
	}
	if !errors.Is(task.Err(), promptdag.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", task.Err())
	}
	node, _ := m.Snapshot().Node(n.ID)
	if node.CachedOutput != "" {
		t.Error("timed-out task committed output")
	}
}

func TestQueueProviderFailureLeavesGraphUntouched(t *testing.T) {
	boom := &promptdag.ProviderError{Kind: promptdag.ProviderRateLimit, Provider: "test", Err: errors.New("429")}
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		return "", boom
	})
	m, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())
	before := snapBytes(m.Snapshot())

	task, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if task.State() != promptdag.TaskStateFailed {
		t.Fatalf("state = %s, want failed", task.State())
	}
	var pe *promptdag.ProviderError
	if !errors.As(task.Err(), &pe) || pe.Kind != promptdag.ProviderRateLimit {
		t.Errorf("Err = %v, want the provider error", task.Err())
	}
	if got := snapBytes(m.Snapshot()); got != before {
		t.Error("failed task changed the graph")
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	var ids []string
	for _, name := range []string{"n1", "n2", "n3", "n4"} {
		n := promptdag.NewNode(name)
		n.Prompt = "x"
		if err := m.Apply(&promptdag.AddNodeCommand{Node: n}); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
	}

	settings := promptdag.DefaultSettings()
	settings.MaxConcurrent = 1
	q := promptdag.NewQueue(m, provider, settings)
	defer q.Close()

	if err := q.RunMany(context.Background(), ids); err != nil {
		t.Fatal(err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestQueueRunManyReturnsFirstFailure(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		if strings.Contains(prompt, "bad") {
			return "", errors.New("provider exploded")
		}
		return "ok", nil
	})

	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	good := promptdag.NewNode("good")
	good.Prompt = "fine"
	bad := promptdag.NewNode("bad")
	bad.Prompt = "bad input"
	for _, n := range []*promptdag.Node{good, bad} {
		if err := m.Apply(&promptdag.AddNodeCommand{Node: n}); err != nil {
			t.Fatal(err)
		}
	}
	q := promptdag.NewQueue(m, provider, promptdag.DefaultSettings())
	defer q.Close()

	err := q.RunMany(context.Background(), []string{good.ID, bad.ID})
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Fatalf("RunMany = %v, want the provider failure", err)
	}
}

func TestQueueRunUnknownNode(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		return "", nil
	})
	_, q, _ := newQueueFixture(t, provider, promptdag.DefaultSettings())

	if _, err := q.Run(context.Background(), "ghost"); !errors.Is(err, promptdag.ErrNodeNotFound) {
		t.Fatalf("Run = %v, want ErrNodeNotFound", err)
	}
}

func TestQueueCloseRejectsNewRuns(t *testing.T) {
	provider := promptdag.ProviderFunc(func(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
		return "ok", nil
	})
	_, q, n := newQueueFixture(t, provider, promptdag.DefaultSettings())

	q.Close()
	if _, err := q.Run(context.Background(), n.ID); !errors.Is(err, promptdag.ErrQueueClosed) {
		t.Fatalf("Run after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueStreamingPublishesProgress(t *testing.T) {
	bus := promptdag.NewBus()
	var mu sync.Mutex
	var chunks []string
	completed := make(chan struct{})
	unsubscribe := bus.Subscribe(func(ev promptdag.Event) {
		switch e := ev.(type) {
		case promptdag.TaskProgress:
			mu.Lock()
			chunks = append(chunks, e.Chunk)
			mu.Unlock()
		case promptdag.TaskCompleted:
			close(completed)
		}
	})
	defer unsubscribe()

	g := promptdag.NewGraph(promptdag.WithBus(bus))
	m := promptdag.NewManager(g)
	n := promptdag.NewNode("streamer")
	n.Prompt = "stream it"
	if err := m.Apply(&promptdag.AddNodeCommand{Node: n}); err != nil {
		t.Fatal(err)
	}

	q := promptdag.NewQueue(m, chunkedProvider{}, promptdag.DefaultSettings())
	defer q.Close()

	task, err := q.Run(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "hel" || chunks[1] != "lo" {
		t.Errorf("chunks = %v", chunks)
	}
	node, _ := m.Snapshot().Node(n.ID)
	if node.CachedOutput != "hello" {
		t.Errorf("CachedOutput = %q, want the full output", node.CachedOutput)
	}
}

// chunkedProvider emits two chunks before returning the whole output.
type chunkedProvider struct{}

func (chunkedProvider) Send(ctx context.Context, prompt string, config promptdag.NodeConfig) (string, error) {
	return "hello", nil
}

func (chunkedProvider) SendStream(ctx context.Context, prompt string, config promptdag.NodeConfig, onChunk func(string)) (string, error) {
	onChunk("hel")
	onChunk("lo")
	return "hello", nil
}
