package promptdag_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/agentstation/promptdag"
)

// roundTrip applies cmd through the manager, undoes it, and checks the
// graph fingerprint returned to its pre-apply state; then redoes and
// checks it matches the post-apply state.
func roundTrip(t *testing.T, m *promptdag.Manager, g *promptdag.Graph, cmd promptdag.Command) {
	t.Helper()

	before := snapBytes(g)
	if err := m.Apply(cmd); err != nil {
		t.Fatalf("Apply(%s): %v", cmd.Name(), err)
	}
	after := snapBytes(g)
	if after == before {
		t.Fatalf("%s: apply changed nothing", cmd.Name())
	}

	if err := m.Undo(); err != nil {
		t.Fatalf("Undo(%s): %v", cmd.Name(), err)
	}
	if got := snapBytes(g); got != before {
		t.Fatalf("%s: undo did not restore the graph", cmd.Name())
	}

	if err := m.Redo(); err != nil {
		t.Fatalf("Redo(%s): %v", cmd.Name(), err)
	}
	if got := snapBytes(g); got != after {
		t.Fatalf("%s: redo did not reproduce the applied state", cmd.Name())
	}
}

func TestCommandRoundTrips(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)

	a := mustAddNode(t, g, "a")
	a.CachedOutput = "a out"
	b := mustAddNode(t, g, "b")
	mustAddLink(t, g, a, b)

	t.Run("add-node", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.AddNodeCommand{Node: promptdag.NewNode("fresh")})
	})
	t.Run("add-link", func(t *testing.T) {
		c := mustAddNode(t, g, "c")
		roundTrip(t, m, g, &promptdag.AddLinkCommand{SourceID: b.ID, TargetID: c.ID})
	})
	t.Run("edit-prompt", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.EditPromptCommand{NodeID: b.ID, Prompt: "rewritten"})
	})
	t.Run("set-config", func(t *testing.T) {
		cfg := promptdag.DefaultNodeConfig()
		cfg.Model = "other-model"
		roundTrip(t, m, g, &promptdag.SetConfigCommand{NodeID: b.ID, Config: cfg})
	})
	t.Run("rename", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.RenameCommand{NodeID: b.ID, NewName: "b-renamed"})
	})
	t.Run("set-output", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.SetOutputCommand{NodeID: b.ID, Output: "model said this"})
	})
	t.Run("set-global-limit", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.SetGlobalLimitCommand{Limit: 4096})
	})
	t.Run("remove-link", func(t *testing.T) {
		link := b.InputLinks[0]
		roundTrip(t, m, g, &promptdag.RemoveLinkCommand{LinkID: link})
	})
	t.Run("remove-node", func(t *testing.T) {
		roundTrip(t, m, g, &promptdag.RemoveNodeCommand{NodeID: a.ID})
	})
}

func TestAddLinkCommandDirtiesTarget(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	a := mustAddNode(t, g, "a")
	b := mustAddNode(t, g, "b")
	c := mustAddNode(t, g, "c")
	mustAddLink(t, g, b, c)

	if err := m.Apply(&promptdag.AddLinkCommand{SourceID: a.ID, TargetID: b.ID}); err != nil {
		t.Fatal(err)
	}
	if !b.IsDirty || !c.IsDirty {
		t.Error("target chain not marked dirty")
	}
	if a.IsDirty {
		t.Error("source marked dirty")
	}

	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if b.IsDirty || c.IsDirty {
		t.Error("undo did not clear dirty flags")
	}
}

func TestRemoveNodeCommandRestoresInputPositions(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	a := mustAddNode(t, g, "a")
	b := mustAddNode(t, g, "b")
	c := mustAddNode(t, g, "c")
	target := mustAddNode(t, g, "target")
	la := mustAddLink(t, g, a, target)
	lb := mustAddLink(t, g, b, target)
	lc := mustAddLink(t, g, c, target)

	if err := m.Apply(&promptdag.RemoveNodeCommand{NodeID: b.ID}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(target.InputLinks, []string{la.ID, lc.ID}) {
		t.Fatalf("InputLinks after remove = %v", target.InputLinks)
	}

	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	restored, _ := g.Node(target.ID)
	if !slices.Equal(restored.InputLinks, []string{la.ID, lb.ID, lc.ID}) {
		t.Fatalf("InputLinks after undo = %v, want middle position restored", restored.InputLinks)
	}
}

func TestRenameCommandAutoSuffix(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	mustAddNode(t, g, "taken")
	n := mustAddNode(t, g, "other")

	strict := &promptdag.RenameCommand{NodeID: n.ID, NewName: "taken"}
	if err := m.Apply(strict); !promptdag.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n.Name != "other" {
		t.Errorf("name changed on rejected rename: %q", n.Name)
	}

	auto := &promptdag.RenameCommand{NodeID: n.ID, NewName: "taken", AutoSuffix: true}
	if err := m.Apply(auto); err != nil {
		t.Fatal(err)
	}
	if auto.AppliedName() != "taken_0001" {
		t.Errorf("AppliedName = %q, want taken_0001", auto.AppliedName())
	}

	// Redo reuses the resolved name rather than deriving a new one.
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if err := m.Redo(); err != nil {
		t.Fatal(err)
	}
	if n.Name != "taken_0001" {
		t.Errorf("name after redo = %q", n.Name)
	}
}

func TestPasteCommand(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	a := mustAddNode(t, g, "a")
	b := mustAddNode(t, g, "b")
	l := mustAddLink(t, g, a, b)

	before := snapBytes(g)
	cmd := &promptdag.PasteCommand{
		Nodes: []*promptdag.Node{a, b},
		Links: []*promptdag.Link{l},
	}
	if err := m.Apply(cmd); err != nil {
		t.Fatal(err)
	}
	after := snapBytes(g)

	ids := cmd.PastedIDs()
	if len(ids) != 2 {
		t.Fatalf("pasted %d nodes, want 2", len(ids))
	}
	for _, id := range ids {
		if id == a.ID || id == b.ID {
			t.Error("paste reused an original id")
		}
	}

	// Copies get suffixed names and the internal link is remapped.
	copyA, _ := g.Node(ids[0])
	copyB, _ := g.Node(ids[1])
	if copyA.Name != "a_0001" || copyB.Name != "b_0001" {
		t.Errorf("pasted names = %q, %q", copyA.Name, copyB.Name)
	}
	if len(copyB.InputLinks) != 1 {
		t.Fatalf("pasted link missing, inputs = %v", copyB.InputLinks)
	}
	nl, _ := g.Link(copyB.InputLinks[0])
	if nl.SourceID != copyA.ID {
		t.Errorf("pasted link source = %s, want %s", nl.SourceID, copyA.ID)
	}

	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if got := snapBytes(g); got != before {
		t.Error("undo did not remove the pasted set")
	}
	if err := m.Redo(); err != nil {
		t.Fatal(err)
	}
	if got := snapBytes(g); got != after {
		t.Error("redo did not reproduce the pasted set")
	}
}

func TestManagerRejectedCommandNotRecorded(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)
	a := mustAddNode(t, g, "a")
	b := mustAddNode(t, g, "b")
	mustAddLink(t, g, a, b)

	before := snapBytes(g)
	err := m.Apply(&promptdag.AddLinkCommand{SourceID: b.ID, TargetID: a.ID})
	if !promptdag.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if m.HistoryLen() != 0 {
		t.Error("rejected command was recorded")
	}
	if got := snapBytes(g); got != before {
		t.Error("rejected command changed the graph")
	}
	if err := m.Undo(); !errors.Is(err, promptdag.ErrNothingToUndo) {
		t.Errorf("Undo = %v, want ErrNothingToUndo", err)
	}
}

func TestManagerRedoSuffixDiscard(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)

	if err := m.Apply(&promptdag.AddNodeCommand{Node: promptdag.NewNode("one")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(&promptdag.AddNodeCommand{Node: promptdag.NewNode("two")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if !m.CanRedo() {
		t.Fatal("expected a redo step after undo")
	}

	// A new command at this point discards the redo suffix.
	if err := m.Apply(&promptdag.AddNodeCommand{Node: promptdag.NewNode("three")}); err != nil {
		t.Fatal(err)
	}
	if m.CanRedo() {
		t.Error("redo suffix survived a new command")
	}
	if m.HistoryLen() != 2 {
		t.Errorf("HistoryLen = %d, want 2", m.HistoryLen())
	}
	if name, _ := m.UndoName(); name != "add-node" {
		t.Errorf("UndoName = %q", name)
	}
}

func TestManagerHistoryEviction(t *testing.T) {
	g := promptdag.NewGraph()
	m := promptdag.NewManager(g, promptdag.WithMaxUndo(2))

	for _, name := range []string{"one", "two", "three"} {
		if err := m.Apply(&promptdag.AddNodeCommand{Node: promptdag.NewNode(name)}); err != nil {
			t.Fatal(err)
		}
	}
	if m.HistoryLen() != 2 {
		t.Fatalf("HistoryLen = %d, want 2", m.HistoryLen())
	}

	// Only the two most recent commands can be undone.
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if err := m.Undo(); !errors.Is(err, promptdag.ErrNothingToUndo) {
		t.Fatalf("Undo past evicted history = %v, want ErrNothingToUndo", err)
	}
	if g.NodeCount() != 1 {
		t.Errorf("NodeCount = %d, want the evicted command's node to remain", g.NodeCount())
	}
}

func TestUndoRemoveNodeAnnouncesRestoredLinks(t *testing.T) {
	bus := promptdag.NewBus()
	var kinds []string
	unsubscribe := bus.Subscribe(func(ev promptdag.Event) {
		kinds = append(kinds, ev.Kind())
	})
	defer unsubscribe()

	g := promptdag.NewGraph(promptdag.WithBus(bus))
	m := promptdag.NewManager(g)
	a := mustAddNode(t, g, "a")
	b := mustAddNode(t, g, "b")
	c := mustAddNode(t, g, "c")
	mustAddLink(t, g, a, b) // incoming, restored via b's own input list
	mustAddLink(t, g, b, c) // outgoing, restored into c's input list

	if err := m.Apply(&promptdag.RemoveNodeCommand{NodeID: b.ID}); err != nil {
		t.Fatal(err)
	}

	kinds = nil
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}

	var linkAdds int
	for _, k := range kinds {
		if k == "link.added" {
			linkAdds++
		}
	}
	if linkAdds != 2 {
		t.Fatalf("link.added events on undo = %d (%v), want both cascaded links announced", linkAdds, kinds)
	}
	if !slices.Contains(kinds, "node.added") {
		t.Errorf("no node.added event on undo: %v", kinds)
	}
}

func TestManagerEventPublishing(t *testing.T) {
	bus := promptdag.NewBus()
	var kinds []string
	unsubscribe := bus.Subscribe(func(ev promptdag.Event) {
		kinds = append(kinds, ev.Kind())
	})
	defer unsubscribe()

	g := promptdag.NewGraph(promptdag.WithBus(bus))
	m := promptdag.NewManager(g)

	if err := m.Apply(&promptdag.AddNodeCommand{Node: promptdag.NewNode("n")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Undo(); err != nil {
		t.Fatal(err)
	}
	if err := m.Redo(); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"node.added", "command.applied",
		"node.removed", "command.undone",
		"node.added", "command.redone",
	}
	if !slices.Equal(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}
