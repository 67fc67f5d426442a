package promptdag

import (
	"fmt"
	"regexp"
	"strings"
)

// Segment kinds, in budget-priority order (system is never dropped,
// history is dropped first).
const (
	SegmentSystem    = "system"
	SegmentPrompt    = "prompt"
	SegmentReference = "reference"
	SegmentHistory   = "history"
)

// Segment is one ordered piece of an assembled payload.
type Segment struct {
	Kind   string
	Text   string
	Tokens int

	// SourceID is the node the text came from: the ancestor for history
	// segments, the referenced input for reference segments, the target
	// node itself for the prompt. Empty for the system instruction.
	SourceID string

	// Distance is the primary-parent hop count for history segments
	// (1 = immediate parent). Zero for every other kind.
	Distance int
}

// Payload is the assembled, budget-enforced prompt for one node run.
type Payload struct {
	NodeID   string
	Segments []Segment

	// Text is the final concatenated prompt, segments joined in order.
	Text string

	// Tokens is the estimated cost of the surviving segments.
	Tokens int

	// TokenLimit is the effective budget the payload was held to.
	TokenLimit int

	// TruncatedTokens counts tokens removed by history drops.
	TruncatedTokens int

	// Overflow is set when the never-dropped tiers alone exceed the
	// budget; OverflowTokens records the overage. Assembly still
	// succeeds.
	Overflow       bool
	OverflowTokens int

	// Warnings lists unresolved @name references. Non-fatal.
	Warnings []string
}

// AssembleOptions carries the global inputs to assembly.
type AssembleOptions struct {
	// GlobalTokenLimit is the budget used when the node has no
	// max_tokens override. Falls back to the snapshot's own limit,
	// then the package default.
	GlobalTokenLimit int

	// SystemPrompt, if non-empty, becomes the highest-priority segment.
	SystemPrompt string

	// DefaultTraceDepth is used when the node's trace depth is unset.
	DefaultTraceDepth int
}

// EstimateTokens returns the token cost heuristic for a piece of text:
// ceil(len/4). This exact arithmetic is part of the budget contract.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var refPattern = regexp.MustCompile(`@(\w+)`)

// Assemble builds the bounded prompt payload for one node from a graph
// snapshot. It is a pure function: it never mutates the snapshot and is
// fully deterministic for identical inputs, which is what allows a node
// to run on stale ancestor data without forcing recomputation.
//
// Segment order is history (oldest→newest), then resolved references in
// input-connection order, then the node's own prompt text. A reference
// @name resolves only when the named node is physically connected as an
// input; the prompt text itself is never rewritten either way. When the
// total estimate exceeds the budget, history segments are dropped
// strictly oldest-first (greatest distance first) until it fits; the
// system instruction, prompt, and references are never dropped.
//
// The only error condition is a nonexistent node id.
func Assemble(snapshot *Graph, nodeID string, opts AssembleOptions) (*Payload, error) {
	node, ok := snapshot.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	limit := node.Config.MaxTokens
	if limit <= 0 {
		limit = opts.GlobalTokenLimit
	}
	if limit <= 0 {
		limit = snapshot.GlobalTokenLimit
	}
	if limit <= 0 {
		limit = DefaultGlobalTokenLimit
	}

	depth := node.Config.TraceDepth
	if depth < 0 {
		depth = opts.DefaultTraceDepth
	}
	if depth < 0 {
		depth = 0
	}

	payload := &Payload{NodeID: nodeID, TokenLimit: limit}

	// History: primary-parent chain, collected nearest-first, emitted
	// oldest-first. Ancestors that have never produced output contribute
	// nothing but keep their hop distance.
	ancestors, err := snapshot.AncestorsOf(nodeID, depth)
	if err != nil {
		return nil, err
	}
	var history []Segment
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if a.CachedOutput == "" {
			continue
		}
		history = append(history, Segment{
			Kind:     SegmentHistory,
			Text:     a.CachedOutput,
			Tokens:   EstimateTokens(a.CachedOutput),
			SourceID: a.ID,
			Distance: i + 1,
		})
	}

	// References: names mentioned in the prompt resolve only against
	// physically connected inputs; resolution is independent of trace
	// depth. Resolved references become segments in connection order.
	mentioned := make(map[string]bool)
	var mentionOrder []string
	for _, m := range refPattern.FindAllStringSubmatch(node.Prompt, -1) {
		if !mentioned[m[1]] {
			mentioned[m[1]] = true
			mentionOrder = append(mentionOrder, m[1])
		}
	}

	inputs := snapshot.InputNodes(nodeID)
	resolved := make(map[string]bool)
	var references []Segment
	for _, in := range inputs {
		if in.Name == "" || !mentioned[in.Name] || resolved[in.Name] {
			continue
		}
		resolved[in.Name] = true
		references = append(references, Segment{
			Kind:     SegmentReference,
			Text:     in.CachedOutput,
			Tokens:   EstimateTokens(in.CachedOutput),
			SourceID: in.ID,
		})
	}
	for _, name := range mentionOrder {
		if resolved[name] {
			continue
		}
		if _, exists := snapshot.NodeByName(name); exists {
			payload.Warnings = append(payload.Warnings, fmt.Sprintf("reference @%s: node exists but is not a connected input", name))
		} else {
			payload.Warnings = append(payload.Warnings, fmt.Sprintf("reference @%s: no node with that name", name))
		}
	}

	var segments []Segment
	if opts.SystemPrompt != "" {
		segments = append(segments, Segment{
			Kind:   SegmentSystem,
			Text:   opts.SystemPrompt,
			Tokens: EstimateTokens(opts.SystemPrompt),
		})
	}
	segments = append(segments, history...)
	segments = append(segments, references...)
	segments = append(segments, Segment{
		Kind:     SegmentPrompt,
		Text:     node.Prompt,
		Tokens:   EstimateTokens(node.Prompt),
		SourceID: node.ID,
	})

	// Budget enforcement: drop history oldest-first, one at a time,
	// re-totaling after each drop.
	total := 0
	for _, s := range segments {
		total += s.Tokens
	}
	for total > limit {
		dropIdx := -1
		for i, s := range segments {
			if s.Kind == SegmentHistory && (dropIdx < 0 || s.Distance > segments[dropIdx].Distance) {
				dropIdx = i
			}
		}
		if dropIdx < 0 {
			break
		}
		payload.TruncatedTokens += segments[dropIdx].Tokens
		total -= segments[dropIdx].Tokens
		segments = append(segments[:dropIdx], segments[dropIdx+1:]...)
	}
	if total > limit {
		payload.Overflow = true
		payload.OverflowTokens = total - limit
	}

	payload.Segments = segments
	payload.Tokens = total

	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	payload.Text = strings.Join(parts, "\n\n")

	return payload, nil
}
