package promptdag

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Command is a discrete, reversible unit of graph mutation. Apply
// captures whatever inverse data Undo needs; a failed precondition must
// abort before any state change so the manager never records it.
//
// Commands are only ever run by a Manager, one at a time.
type Command interface {
	// Name returns a short identifier, e.g. "add-link".
	Name() string

	Apply(g *Graph) error
	Undo(g *Graph) error
}

// AddNodeCommand inserts a node with the given fields.
type AddNodeCommand struct {
	Node *Node
}

func (c *AddNodeCommand) Name() string { return "add-node" }

func (c *AddNodeCommand) Apply(g *Graph) error {
	return g.AddNode(c.Node)
}

func (c *AddNodeCommand) Undo(g *Graph) error {
	_, _, err := g.RemoveNode(c.Node.ID)
	return err
}

// removedLink remembers a cascaded link and its position in the
// surviving target's input list, so undo restores exact order. Position
// is -1 for incoming links, whose order lives in the removed node's own
// input list.
type removedLink struct {
	link *Link
	pos  int
}

// RemoveNodeCommand deletes a node and cascades every link touching it.
// Undo re-inserts the node and exactly the cascaded links under their
// original ids and input positions.
type RemoveNodeCommand struct {
	NodeID string

	node     *Node
	cascaded []removedLink
}

func (c *RemoveNodeCommand) Name() string { return "remove-node" }

func (c *RemoveNodeCommand) Apply(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}

	// Capture the node record and link positions before the cascade
	// mutates them.
	c.node = node.clone()
	c.cascaded = nil
	for _, l := range g.Links() {
		if l.SourceID != c.NodeID && l.TargetID != c.NodeID {
			continue
		}
		pos := -1
		if l.TargetID != c.NodeID {
			if target, ok := g.Node(l.TargetID); ok {
				pos = slices.Index(target.InputLinks, l.ID)
			}
		}
		copied := *l
		c.cascaded = append(c.cascaded, removedLink{link: &copied, pos: pos})
	}

	_, _, err := g.RemoveNode(c.NodeID)
	return err
}

func (c *RemoveNodeCommand) Undo(g *Graph) error {
	if err := g.AddNode(c.node.clone()); err != nil {
		return err
	}

	// Ascending position order keeps per-target insertions stable.
	restore := slices.Clone(c.cascaded)
	slices.SortStableFunc(restore, func(a, b removedLink) int { return a.pos - b.pos })
	for _, rl := range restore {
		copied := *rl.link
		g.restoreLink(&copied, rl.pos)
	}
	return nil
}

// AddLinkCommand inserts a link after the cycle and dangling-endpoint
// checks, then propagates dirty from the target. A rejected link fails
// before any state change.
type AddLinkCommand struct {
	SourceID string
	TargetID string

	link    *Link
	dirtied []string
}

func (c *AddLinkCommand) Name() string { return "add-link" }

func (c *AddLinkCommand) Apply(g *Graph) error {
	if c.link == nil {
		l, err := g.AddLink(c.SourceID, c.TargetID)
		if err != nil {
			return err
		}
		c.link = l
	} else {
		// Redo keeps the original link id.
		copied := *c.link
		if err := g.insertLink(&copied); err != nil {
			return err
		}
	}
	c.dirtied = g.PropagateDirty(c.TargetID)
	return nil
}

func (c *AddLinkCommand) Undo(g *Graph) error {
	if _, _, err := g.RemoveLink(c.link.ID); err != nil {
		return err
	}
	for _, id := range c.dirtied {
		g.setDirty(id, false)
	}
	return nil
}

// Link returns the inserted link, available after Apply.
func (c *AddLinkCommand) Link() *Link { return c.link }

// RemoveLinkCommand deletes a link; undo re-inserts the same id and
// endpoints at the original input position.
type RemoveLinkCommand struct {
	LinkID string

	link    *Link
	pos     int
	dirtied []string
}

func (c *RemoveLinkCommand) Name() string { return "remove-link" }

func (c *RemoveLinkCommand) Apply(g *Graph) error {
	l, pos, err := g.RemoveLink(c.LinkID)
	if err != nil {
		return err
	}
	copied := *l
	c.link = &copied
	c.pos = pos
	c.dirtied = g.PropagateDirty(l.TargetID)
	return nil
}

func (c *RemoveLinkCommand) Undo(g *Graph) error {
	copied := *c.link
	g.restoreLink(&copied, c.pos)
	for _, id := range c.dirtied {
		g.setDirty(id, false)
	}
	return nil
}

// EditPromptCommand replaces a node's prompt text and propagates dirty
// to the node and its descendants.
type EditPromptCommand struct {
	NodeID string
	Prompt string

	prev    string
	dirtied []string
}

func (c *EditPromptCommand) Name() string { return "edit-prompt" }

func (c *EditPromptCommand) Apply(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	c.prev = node.Prompt
	node.Prompt = c.Prompt
	c.dirtied = g.PropagateDirty(c.NodeID)
	return nil
}

func (c *EditPromptCommand) Undo(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	node.Prompt = c.prev
	for _, id := range c.dirtied {
		g.setDirty(id, false)
	}
	return nil
}

// SetConfigCommand replaces a node's configuration and propagates dirty
// to the node and its descendants.
type SetConfigCommand struct {
	NodeID string
	Config NodeConfig

	prev    NodeConfig
	dirtied []string
}

func (c *SetConfigCommand) Name() string { return "set-config" }

func (c *SetConfigCommand) Apply(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	c.prev = node.Config
	node.Config = c.Config
	c.dirtied = g.PropagateDirty(c.NodeID)
	return nil
}

func (c *SetConfigCommand) Undo(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	node.Config = c.prev
	for _, id := range c.dirtied {
		g.setDirty(id, false)
	}
	return nil
}

// RenameCommand renames a node after a uniqueness check. With AutoSuffix
// set, a colliding name is resolved with a deterministic numeric suffix;
// otherwise the collision is a rejection and nothing changes.
type RenameCommand struct {
	NodeID     string
	NewName    string
	AutoSuffix bool

	prev    string
	applied string
}

func (c *RenameCommand) Name() string { return "rename-node" }

func (c *RenameCommand) Apply(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}

	if c.applied == "" {
		name := c.NewName
		if !g.IsNameUnique(name, c.NodeID) {
			if !c.AutoSuffix {
				return &ValidationError{Op: "rename", Reason: fmt.Sprintf("name %q already taken", name)}
			}
			name = g.uniqueName(name)
		}
		c.applied = name
	} else if !g.IsNameUnique(c.applied, c.NodeID) {
		return &ValidationError{Op: "rename", Reason: fmt.Sprintf("name %q already taken", c.applied)}
	}

	c.prev = node.Name
	node.Name = c.applied
	return nil
}

func (c *RenameCommand) Undo(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	node.Name = c.prev
	return nil
}

// AppliedName returns the name that took effect, which differs from
// NewName when AutoSuffix resolved a collision. Valid after Apply.
func (c *RenameCommand) AppliedName() string { return c.applied }

// PasteCommand inserts copies of the given nodes under fresh ids,
// remapping only the links whose both endpoints are within the copied
// set. Colliding names are suffixed. Undo removes the inserted set.
type PasteCommand struct {
	Nodes []*Node
	Links []*Link

	pasted      []*Node
	pastedLinks []*Link
}

func (c *PasteCommand) Name() string { return "paste-nodes" }

func (c *PasteCommand) Apply(g *Graph) error {
	if c.pasted != nil {
		// Redo: re-insert the previously materialized copies.
		for _, n := range c.pasted {
			if err := g.AddNode(n); err != nil {
				return err
			}
		}
		for _, l := range c.pastedLinks {
			g.restoreLink(l, -1)
		}
		return nil
	}

	idMap := make(map[string]string, len(c.Nodes))
	for _, src := range c.Nodes {
		idMap[src.ID] = uuid.NewString()
	}
	linkByID := make(map[string]*Link, len(c.Links))
	for _, l := range c.Links {
		linkByID[l.ID] = l
	}

	for _, src := range c.Nodes {
		n := src.clone()
		n.ID = idMap[src.ID]
		n.InputLinks = nil
		if n.Name != "" && !g.IsNameUnique(n.Name, "") {
			n.Name = g.uniqueName(n.Name)
		}
		if err := g.AddNode(n); err != nil {
			// Roll back the partial insert so a failed paste leaves the
			// graph untouched.
			for _, inserted := range c.pasted {
				g.RemoveNode(inserted.ID)
			}
			c.pasted = nil
			return err
		}
		c.pasted = append(c.pasted, n)
	}

	// Walk the originals' input lists so the copies keep input order.
	for _, src := range c.Nodes {
		for _, linkID := range src.InputLinks {
			l, ok := linkByID[linkID]
			if !ok {
				continue
			}
			newSource, okS := idMap[l.SourceID]
			newTarget, okT := idMap[l.TargetID]
			if !okS || !okT {
				continue
			}
			nl, err := g.AddLink(newSource, newTarget)
			if err != nil {
				for _, inserted := range c.pasted {
					g.RemoveNode(inserted.ID)
				}
				c.pasted = nil
				c.pastedLinks = nil
				return err
			}
			c.pastedLinks = append(c.pastedLinks, nl)
		}
	}
	return nil
}

func (c *PasteCommand) Undo(g *Graph) error {
	for _, n := range c.pasted {
		if _, _, err := g.RemoveNode(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// PastedIDs returns the fresh ids of the inserted copies, in input
// order. Valid after Apply.
func (c *PasteCommand) PastedIDs() []string {
	ids := make([]string, 0, len(c.pasted))
	for _, n := range c.pasted {
		ids = append(ids, n.ID)
	}
	return ids
}

// SetOutputCommand writes a run result into a node's cached output and
// clears its dirty flag, on that node only. Issued by the execution
// queue on completion, which makes completion itself undoable.
type SetOutputCommand struct {
	NodeID string
	Output string

	prevOutput string
	prevDirty  bool
}

func (c *SetOutputCommand) Name() string { return "set-output" }

func (c *SetOutputCommand) Apply(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	c.prevOutput = node.CachedOutput
	c.prevDirty = node.IsDirty
	node.CachedOutput = c.Output
	g.setDirty(c.NodeID, false)
	return nil
}

func (c *SetOutputCommand) Undo(g *Graph) error {
	node, ok := g.Node(c.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
	}
	node.CachedOutput = c.prevOutput
	g.setDirty(c.NodeID, c.prevDirty)
	return nil
}

// SetGlobalLimitCommand mutates the graph's global token limit through
// the same command discipline as graph state.
type SetGlobalLimitCommand struct {
	Limit int

	prev int
}

func (c *SetGlobalLimitCommand) Name() string { return "set-global-limit" }

func (c *SetGlobalLimitCommand) Apply(g *Graph) error {
	if c.Limit <= 0 {
		return &ValidationError{Op: "set global limit", Reason: "limit must be positive"}
	}
	c.prev = g.GlobalTokenLimit
	g.GlobalTokenLimit = c.Limit
	g.publish(SettingsChanged{Key: "global_token_limit", Value: c.Limit})
	return nil
}

func (c *SetGlobalLimitCommand) Undo(g *Graph) error {
	g.GlobalTokenLimit = c.prev
	g.publish(SettingsChanged{Key: "global_token_limit", Value: c.prev})
	return nil
}
