package promptdag

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Graph owns the node and link collections and enforces the DAG
// invariants: no cycles, unique node names, no dangling links, and
// append-stable input-link order.
//
// Graph methods are not safe for concurrent use. All mutation is meant
// to go through commands applied by a Manager, which serializes access;
// reads from other goroutines use a Clone taken under the same lock.
type Graph struct {
	nodes map[string]*Node
	links map[string]*Link

	// GlobalTokenLimit is the default token budget for assembly when a
	// node carries no override. Persisted with the graph.
	GlobalTokenLimit int

	bus *Bus
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithBus attaches an event bus. The manager and queue built on top of
// this graph publish to the same bus.
func WithBus(b *Bus) GraphOption {
	return func(g *Graph) {
		g.bus = b
	}
}

// NewGraph creates an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		nodes:            make(map[string]*Node),
		links:            make(map[string]*Link),
		GlobalTokenLimit: DefaultGlobalTokenLimit,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) publish(ev Event) {
	g.bus.Publish(ev)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeByName returns the node with the given display name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	for _, n := range g.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Link returns the link with the given id.
func (g *Graph) Link(id string) (*Link, bool) {
	l, ok := g.links[id]
	return l, ok
}

// Nodes returns all nodes ordered by id.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Links returns all links ordered by id.
func (g *Graph) Links() []*Link {
	out := make([]*Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Link) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// LinkCount returns the number of links.
func (g *Graph) LinkCount() int { return len(g.links) }

// AddNode inserts a node. The node's id is generated if empty. Duplicate
// ids and duplicate non-empty names are rejected with no state change.
func (g *Graph) AddNode(n *Node) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := g.nodes[n.ID]; exists {
		return &ValidationError{Op: "add node", Reason: fmt.Sprintf("duplicate id %s", n.ID)}
	}
	if n.Name != "" && !g.IsNameUnique(n.Name, "") {
		return &ValidationError{Op: "add node", Reason: fmt.Sprintf("duplicate name %q", n.Name)}
	}

	g.nodes[n.ID] = n
	g.publish(NodeAdded{NodeID: n.ID, Name: n.Name})
	return nil
}

// RemoveNode deletes a node and cascades deletion of every link touching
// it. It returns the removed node and the cascaded links.
func (g *Graph) RemoveNode(id string) (*Node, []*Link, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var cascaded []*Link
	for _, l := range g.Links() {
		if l.SourceID == id || l.TargetID == id {
			cascaded = append(cascaded, l)
		}
	}
	for _, l := range cascaded {
		g.deleteLink(l.ID)
	}

	delete(g.nodes, id)
	g.publish(NodeRemoved{NodeID: id})
	return n, cascaded, nil
}

// AddLink inserts a link from source to target, appending it to the
// target's input list. It rejects dangling endpoints and any link that
// would create a cycle, checking before any state mutation.
func (g *Graph) AddLink(sourceID, targetID string) (*Link, error) {
	l := &Link{ID: uuid.NewString(), SourceID: sourceID, TargetID: targetID}
	if err := g.insertLink(l); err != nil {
		return nil, err
	}
	return l, nil
}

// insertLink validates and inserts a fully-formed link, appending its id
// to the target's input list. Used by AddLink and by command redo, which
// must reuse the original link id.
func (g *Graph) insertLink(l *Link) error {
	if _, ok := g.nodes[l.SourceID]; !ok {
		return &ValidationError{Op: "add link", Reason: fmt.Sprintf("source node %s does not exist", l.SourceID)}
	}
	target, ok := g.nodes[l.TargetID]
	if !ok {
		return &ValidationError{Op: "add link", Reason: fmt.Sprintf("target node %s does not exist", l.TargetID)}
	}
	if _, exists := g.links[l.ID]; exists {
		return &ValidationError{Op: "add link", Reason: fmt.Sprintf("duplicate link id %s", l.ID)}
	}

	// Cycle check: the new edge source→target closes a cycle iff the
	// source is already reachable from the target. Reject before any
	// mutation so a failed add leaves the graph untouched.
	if g.isReachable(l.TargetID, l.SourceID) {
		return &ValidationError{
			Op:     "add link",
			Reason: fmt.Sprintf("link %s -> %s would create a cycle", l.SourceID, l.TargetID),
		}
	}

	g.links[l.ID] = l
	target.InputLinks = append(target.InputLinks, l.ID)
	g.publish(LinkAdded{LinkID: l.ID, SourceID: l.SourceID, TargetID: l.TargetID})
	return nil
}

// RemoveLink deletes a link and removes it from the target's input list.
// It returns the removed link and its prior position in that list so the
// inverse command can restore the exact order.
func (g *Graph) RemoveLink(id string) (*Link, int, error) {
	if _, ok := g.links[id]; !ok {
		return nil, -1, fmt.Errorf("%w: %s", ErrLinkNotFound, id)
	}
	l, pos := g.deleteLink(id)
	return l, pos, nil
}

// deleteLink removes the link from the map and from its target's input
// list, returning the link and its prior input position (-1 if absent).
func (g *Graph) deleteLink(id string) (*Link, int) {
	l := g.links[id]
	delete(g.links, id)

	pos := -1
	if target, ok := g.nodes[l.TargetID]; ok {
		pos = slices.Index(target.InputLinks, id)
		if pos >= 0 {
			target.InputLinks = slices.Delete(target.InputLinks, pos, pos+1)
		}
	}
	g.publish(LinkRemoved{LinkID: l.ID, SourceID: l.SourceID, TargetID: l.TargetID})
	return l, pos
}

// restoreLink re-inserts a previously removed link at the given position
// in the target's input list (appended when pos is out of range). The
// caller guarantees the endpoints exist and the insertion is acyclic.
func (g *Graph) restoreLink(l *Link, pos int) {
	g.links[l.ID] = l
	target, ok := g.nodes[l.TargetID]
	if !ok {
		return
	}
	// The target may already list the id, e.g. a restored node clone
	// that kept its input list. The link is still re-added either way,
	// so subscribers always hear about it.
	if !slices.Contains(target.InputLinks, l.ID) {
		if pos < 0 || pos > len(target.InputLinks) {
			pos = len(target.InputLinks)
		}
		target.InputLinks = slices.Insert(target.InputLinks, pos, l.ID)
	}
	g.publish(LinkAdded{LinkID: l.ID, SourceID: l.SourceID, TargetID: l.TargetID})
}

// isReachable reports whether to is reachable from from by following
// links in the source→target direction. A node is reachable from itself.
func (g *Graph) isReachable(from, to string) bool {
	if from == to {
		return true
	}

	visited := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, l := range g.links {
			if l.SourceID != current || visited[l.TargetID] {
				continue
			}
			if l.TargetID == to {
				return true
			}
			visited[l.TargetID] = true
			frontier = append(frontier, l.TargetID)
		}
	}
	return false
}

// AncestorsOf walks the primary-parent chain from the node, nearest
// first, up to depth hops. The chain ends early at a node with no
// inputs.
func (g *Graph) AncestorsOf(id string, depth int) ([]*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var chain []*Node
	current := n
	for i := 0; i < depth; i++ {
		linkID, ok := current.PrimaryParentLink()
		if !ok {
			break
		}
		l, ok := g.links[linkID]
		if !ok {
			break
		}
		parent, ok := g.nodes[l.SourceID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// InputNodes returns the source nodes of the node's input links, in
// input order.
func (g *Graph) InputNodes(id string) []*Node {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}

	var inputs []*Node
	for _, linkID := range n.InputLinks {
		l, ok := g.links[linkID]
		if !ok {
			continue
		}
		if src, ok := g.nodes[l.SourceID]; ok {
			inputs = append(inputs, src)
		}
	}
	return inputs
}

// PropagateDirty marks the node and every transitive descendant dirty
// with a breadth-first walk over outgoing links. Ancestors and unrelated
// nodes are never touched. It returns the ids of nodes whose flag
// actually flipped, in visit order, so the caller can undo exactly.
func (g *Graph) PropagateDirty(id string) []string {
	start, ok := g.nodes[id]
	if !ok {
		return nil
	}

	var flipped []string
	links := g.Links()
	visited := map[string]bool{id: true}
	frontier := []*Node{start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		if !current.IsDirty {
			current.IsDirty = true
			flipped = append(flipped, current.ID)
			g.publish(DirtyChanged{NodeID: current.ID, Dirty: true})
		}

		for _, l := range links {
			if l.SourceID != current.ID || visited[l.TargetID] {
				continue
			}
			if child, ok := g.nodes[l.TargetID]; ok {
				visited[child.ID] = true
				frontier = append(frontier, child)
			}
		}
	}
	return flipped
}

// setDirty sets a single node's dirty flag without propagation.
func (g *Graph) setDirty(id string, dirty bool) {
	n, ok := g.nodes[id]
	if !ok || n.IsDirty == dirty {
		return
	}
	n.IsDirty = dirty
	g.publish(DirtyChanged{NodeID: id, Dirty: dirty})
}

// IsNameUnique reports whether no node other than excludeID carries the
// given name. Empty names are always considered unique.
func (g *Graph) IsNameUnique(name, excludeID string) bool {
	if name == "" {
		return true
	}
	for _, n := range g.nodes {
		if n.ID == excludeID {
			continue
		}
		if n.Name == name {
			return false
		}
	}
	return true
}

var nameSuffixPattern = regexp.MustCompile(`_(\d{4})$`)

// GenerateNodeName returns the next free name in the Base_0001 scheme,
// continuing from the highest existing index for that base.
func (g *Graph) GenerateNodeName(base string) string {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(base) + `_(\d{4})$`)

	maxIdx := 0
	for _, n := range g.nodes {
		m := pattern.FindStringSubmatch(n.Name)
		if m == nil {
			continue
		}
		idx := 0
		fmt.Sscanf(m[1], "%d", &idx)
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	for {
		maxIdx++
		candidate := fmt.Sprintf("%s_%04d", base, maxIdx)
		if g.IsNameUnique(candidate, "") {
			return candidate
		}
	}
}

// uniqueName derives a free name from base by appending or incrementing
// a _0001-style suffix, truncating the base to stay within the name
// length limit. The result is deterministic for a given graph state.
func (g *Graph) uniqueName(base string) string {
	if g.IsNameUnique(base, "") {
		return base
	}

	prefix := base
	idx := 0
	if m := nameSuffixPattern.FindStringSubmatch(base); m != nil {
		prefix = base[:len(base)-5]
		fmt.Sscanf(m[1], "%d", &idx)
	}
	if len(prefix) > maxNameLength-5 {
		prefix = prefix[:maxNameLength-5]
	}

	for {
		idx++
		candidate := fmt.Sprintf("%s_%04d", prefix, idx)
		if g.IsNameUnique(candidate, "") {
			return candidate
		}
	}
}

// mergeName resolves a colliding name from a merged graph: first try
// name_tag, then fall back to the numeric-suffix scheme when that is too
// long or still taken.
func (g *Graph) mergeName(name, tag string) string {
	if tag != "" {
		candidate := name + "_" + tag
		if len(candidate) <= maxNameLength && g.IsNameUnique(candidate, "") {
			return candidate
		}
	}
	return g.uniqueName(name)
}

// Merge imports every node and link of other into this graph. Colliding
// ids are remapped to fresh ones and colliding names renamed with the
// tag-then-suffix strategy; all intra-other link topology, including
// input order, is preserved under the remap. It returns the old-id →
// new-id table for the imported nodes.
func (g *Graph) Merge(other *Graph, tag string) (map[string]string, error) {
	if other == nil {
		return nil, nil
	}

	remap := make(map[string]string)
	imported := other.Nodes()

	for _, src := range imported {
		n := src.clone()
		if _, taken := g.nodes[n.ID]; taken {
			n.ID = uuid.NewString()
		}
		remap[src.ID] = n.ID

		if n.Name != "" && !g.IsNameUnique(n.Name, "") {
			n.Name = g.mergeName(n.Name, tag)
		}

		// Input lists are rebuilt from the remapped links below.
		n.InputLinks = nil
		if err := g.AddNode(n); err != nil {
			return remap, err
		}
	}

	// Recreate links per target in input order so the append-stable
	// ordering survives the remap. Links whose endpoints fell outside
	// the imported set are dropped.
	for _, src := range imported {
		for _, linkID := range src.InputLinks {
			l, ok := other.links[linkID]
			if !ok {
				continue
			}
			newSource, okS := remap[l.SourceID]
			newTarget, okT := remap[l.TargetID]
			if !okS || !okT {
				continue
			}
			if _, err := g.AddLink(newSource, newTarget); err != nil {
				return remap, err
			}
		}
	}

	return remap, nil
}

// Violation describes one invariant breach found by Validate.
type Violation struct {
	Kind   string // dangling-link, cycle, duplicate-name, input-mismatch, duplicate-link
	Detail string
}

func (v Violation) String() string { return v.Kind + ": " + v.Detail }

// Validate runs a full-graph invariant check and returns every violation
// found. Used on load; an empty result means the graph is consistent.
func (g *Graph) Validate() []Violation {
	var out []Violation
	links := g.Links()

	// Dangling endpoints and duplicate source→target pairs.
	pairs := make(map[string]string)
	for _, l := range links {
		if _, ok := g.nodes[l.SourceID]; !ok {
			out = append(out, Violation{Kind: "dangling-link", Detail: fmt.Sprintf("link %s: source %s missing", l.ID, l.SourceID)})
		}
		if _, ok := g.nodes[l.TargetID]; !ok {
			out = append(out, Violation{Kind: "dangling-link", Detail: fmt.Sprintf("link %s: target %s missing", l.ID, l.TargetID)})
		}
		pair := l.SourceID + "->" + l.TargetID
		if first, dup := pairs[pair]; dup {
			out = append(out, Violation{Kind: "duplicate-link", Detail: fmt.Sprintf("links %s and %s both connect %s", first, l.ID, pair)})
		} else {
			pairs[pair] = l.ID
		}
	}

	// Duplicate names.
	names := make(map[string]string)
	for _, n := range g.Nodes() {
		if n.Name == "" {
			continue
		}
		if first, dup := names[n.Name]; dup {
			out = append(out, Violation{Kind: "duplicate-name", Detail: fmt.Sprintf("nodes %s and %s share name %q", first, n.ID, n.Name)})
		} else {
			names[n.Name] = n.ID
		}
	}

	// Input lists must contain exactly the links targeting the node.
	for _, n := range g.Nodes() {
		listed := make(map[string]bool, len(n.InputLinks))
		for _, linkID := range n.InputLinks {
			listed[linkID] = true
			l, ok := g.links[linkID]
			if !ok {
				out = append(out, Violation{Kind: "input-mismatch", Detail: fmt.Sprintf("node %s lists unknown link %s", n.ID, linkID)})
				continue
			}
			if l.TargetID != n.ID {
				out = append(out, Violation{Kind: "input-mismatch", Detail: fmt.Sprintf("node %s lists link %s which targets %s", n.ID, linkID, l.TargetID)})
			}
		}
		for _, l := range links {
			if l.TargetID == n.ID && !listed[l.ID] {
				out = append(out, Violation{Kind: "input-mismatch", Detail: fmt.Sprintf("node %s missing input entry for link %s", n.ID, l.ID)})
			}
		}
	}

	// Cycle detection over the whole graph.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, l := range links {
			if l.SourceID != id {
				continue
			}
			if _, ok := g.nodes[l.TargetID]; !ok {
				continue
			}
			switch color[l.TargetID] {
			case gray:
				return true
			case white:
				if visit(l.TargetID) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, n := range g.Nodes() {
		if color[n.ID] == white && visit(n.ID) {
			out = append(out, Violation{Kind: "cycle", Detail: fmt.Sprintf("cycle reachable from node %s", n.ID)})
			break
		}
	}

	return out
}

// Clone returns a deep, passive copy of the graph for point-in-time
// reads. The copy carries no event bus.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:            make(map[string]*Node, len(g.nodes)),
		links:            make(map[string]*Link, len(g.links)),
		GlobalTokenLimit: g.GlobalTokenLimit,
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	for id, l := range g.links {
		copied := *l
		c.links[id] = &copied
	}
	return c
}
