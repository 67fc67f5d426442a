package promptdag

import (
	"slices"

	"github.com/google/uuid"
)

// Defaults for node configuration and graph settings.
const (
	DefaultModel            = "gpt-4o"
	DefaultProviderName     = "default"
	DefaultMaxTokens        = 16000
	DefaultTraceDepth       = 2
	DefaultGlobalTokenLimit = 16384

	// TraceDepthUnset marks a node config that defers to the global
	// default trace depth.
	TraceDepthUnset = -1

	// maxNameLength bounds node names; the merge rename strategy
	// truncates to fit a numeric suffix within it.
	maxNameLength = 32
)

// NodeConfig holds per-node execution settings.
type NodeConfig struct {
	Model      string
	Provider   string
	MaxTokens  int
	TraceDepth int
}

// DefaultNodeConfig returns the configuration applied to new nodes.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Model:      DefaultModel,
		Provider:   DefaultProviderName,
		MaxTokens:  DefaultMaxTokens,
		TraceDepth: DefaultTraceDepth,
	}
}

// Link is a directed connection from the source node's output to the
// target node's input. A link exists only while both endpoints exist.
type Link struct {
	ID       string
	SourceID string
	TargetID string
}

// Node is a single prompt node in the graph. Nodes are passive records;
// all mutation goes through commands applied by a Manager.
type Node struct {
	ID     string
	Name   string
	Prompt string

	// CachedOutput is the last provider result, empty until first run.
	CachedOutput string

	// IsDirty marks the cached output as possibly stale relative to the
	// node's inputs. Informational only; it never blocks execution.
	IsDirty bool

	// InputLinks holds the ids of links targeting this node, in creation
	// order. The first entry, if any, is the primary parent used for
	// history inheritance.
	InputLinks []string

	Config NodeConfig
}

// NewNode creates a node with a fresh id and default configuration.
func NewNode(name string) *Node {
	return &Node{
		ID:     uuid.NewString(),
		Name:   name,
		Config: DefaultNodeConfig(),
	}
}

// clone returns a deep copy of the node.
func (n *Node) clone() *Node {
	c := *n
	c.InputLinks = slices.Clone(n.InputLinks)
	return &c
}

// PrimaryParentLink returns the id of the first input link, if any.
func (n *Node) PrimaryParentLink() (string, bool) {
	if len(n.InputLinks) == 0 {
		return "", false
	}
	return n.InputLinks[0], true
}
