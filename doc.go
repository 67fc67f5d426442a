/*
Package promptdag is an engine for conversations structured as a
directed acyclic graph of prompt nodes rather than a linear transcript.

Each node holds a prompt, a cached output, and a per-node config; links
carry output downstream. The context sent to a model is assembled
deterministically from the graph: ancestor history along the primary
parent chain, referenced sibling outputs, and the node's own prompt,
trimmed to a token budget with fixed priorities.

Key pieces:
  - Graph: nodes and links with cycle rejection, dirty propagation,
    validation, merge, and lossless snapshots
  - Manager: the single-writer command path with bounded linear
    undo/redo history
  - Assemble: pure, deterministic payload construction from a graph
    snapshot
  - Queue: concurrent node execution against a Provider, committing
    outputs back through the command path

Basic usage:

	g := promptdag.NewGraph()
	m := promptdag.NewManager(g)

	a := promptdag.NewNode("idea")
	a.Prompt = "Brainstorm three angles for the launch post."
	m.Apply(&promptdag.AddNodeCommand{Node: a})

	b := promptdag.NewNode("draft")
	b.Prompt = "Expand the strongest angle into a full draft."
	m.Apply(&promptdag.AddNodeCommand{Node: b})
	m.Apply(&promptdag.AddLinkCommand{SourceID: a.ID, TargetID: b.ID})

	q := promptdag.NewQueue(m, provider, promptdag.DefaultSettings())
	task, err := q.Run(ctx, b.ID)

Every mutation is a Command and is undoable:

	m.Undo() // link gone, dirty flags restored
	m.Redo()

Graphs persist as versioned JSON snapshots:

	err := promptdag.SaveFile("chat.json", m.Snapshot())
	g, warnings, err := promptdag.LoadFile("chat.json")
*/
package promptdag
