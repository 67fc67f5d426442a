package promptdag

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/oj"
	"github.com/xeipuuv/gojsonschema"
)

// SnapshotVersion is the current wire-format version.
const SnapshotVersion = "2.0"

// snapshotSchema is the structural contract a snapshot document must
// meet to be loadable at all. Only the root shape and field types are
// enforced; missing fields fall back to defaults, and entry-level
// problems are skipped individually with warnings rather than raised
// as schema errors.
const snapshotSchema = `{
	"type": "object",
	"required": ["version"],
	"properties": {
		"version": {"type": "string"},
		"app_settings": {"type": "object"},
		"nodes": {"type": "array"},
		"links": {"type": "array"}
	}
}`

// AppSettings is the persisted per-graph settings block.
type AppSettings struct {
	GlobalTokenLimit int
}

// ConfigSnapshot is the wire form of a node config.
type ConfigSnapshot struct {
	Model      string
	Provider   string
	MaxTokens  int
	TraceDepth int
}

// NodeSnapshot is the wire form of a node.
type NodeSnapshot struct {
	ID           string
	Name         string
	Prompt       string
	CachedOutput string
	IsDirty      bool
	Config       ConfigSnapshot
	Inputs       []string
}

// LinkSnapshot is the wire form of a link.
type LinkSnapshot struct {
	ID     string
	Source string
	Target string
}

// Snapshot is the lossless serialized form of a graph.
type Snapshot struct {
	Version     string
	AppSettings AppSettings
	Nodes       []NodeSnapshot
	Links       []LinkSnapshot
}

// LoadWarning records a snapshot entry that was skipped or repaired
// during load rather than aborting the whole operation.
type LoadWarning struct {
	Entry  string // "node", "link", "input", "graph"
	ID     string
	Reason string
}

func (w LoadWarning) String() string {
	if w.ID == "" {
		return fmt.Sprintf("%s: %s", w.Entry, w.Reason)
	}
	return fmt.Sprintf("%s %s: %s", w.Entry, w.ID, w.Reason)
}

// Snapshot serializes the graph losslessly, nodes and links ordered by
// id for stable output.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		Version:     SnapshotVersion,
		AppSettings: AppSettings{GlobalTokenLimit: g.GlobalTokenLimit},
	}
	for _, n := range g.Nodes() {
		s.Nodes = append(s.Nodes, NodeSnapshot{
			ID:           n.ID,
			Name:         n.Name,
			Prompt:       n.Prompt,
			CachedOutput: n.CachedOutput,
			IsDirty:      n.IsDirty,
			Config: ConfigSnapshot{
				Model:      n.Config.Model,
				Provider:   n.Config.Provider,
				MaxTokens:  n.Config.MaxTokens,
				TraceDepth: n.Config.TraceDepth,
			},
			Inputs: slices.Clone(n.InputLinks),
		})
	}
	for _, l := range g.Links() {
		s.Links = append(s.Links, LinkSnapshot{ID: l.ID, Source: l.SourceID, Target: l.TargetID})
	}
	return s
}

// native converts the snapshot into plain maps and slices for encoding.
func (s *Snapshot) native() map[string]any {
	nodes := make([]any, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		inputs := make([]any, 0, len(n.Inputs))
		for _, in := range n.Inputs {
			inputs = append(inputs, in)
		}
		nodes = append(nodes, map[string]any{
			"id":            n.ID,
			"name":          n.Name,
			"prompt":        n.Prompt,
			"cached_output": n.CachedOutput,
			"is_dirty":      n.IsDirty,
			"config": map[string]any{
				"model":       n.Config.Model,
				"provider":    n.Config.Provider,
				"max_tokens":  n.Config.MaxTokens,
				"trace_depth": n.Config.TraceDepth,
			},
			"inputs": inputs,
		})
	}
	links := make([]any, 0, len(s.Links))
	for _, l := range s.Links {
		links = append(links, map[string]any{
			"id":     l.ID,
			"source": l.Source,
			"target": l.Target,
		})
	}
	return map[string]any{
		"version":      s.Version,
		"app_settings": map[string]any{"global_token_limit": s.AppSettings.GlobalTokenLimit},
		"nodes":        nodes,
		"links":        links,
	}
}

// EncodeSnapshot renders the snapshot as indented JSON with sorted keys.
func EncodeSnapshot(s *Snapshot) []byte {
	return []byte(oj.JSON(s.native(), &oj.Options{Sort: true, Indent: 2}))
}

// DecodeSnapshot parses a snapshot document. A document that fails to
// parse or misses the structural schema is a PersistenceError; malformed
// individual entries are skipped and reported as warnings instead.
func DecodeSnapshot(data []byte) (*Snapshot, []LoadWarning, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(snapshotSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, nil, &PersistenceError{Err: err}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, nil, &PersistenceError{Err: fmt.Errorf("invalid snapshot: %s", strings.Join(msgs, "; "))}
	}

	raw, err := oj.Parse(data)
	if err != nil {
		return nil, nil, &PersistenceError{Err: err}
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, &PersistenceError{Err: fmt.Errorf("snapshot root is not an object")}
	}

	var warnings []LoadWarning
	s := &Snapshot{Version: stringField(doc, "version", SnapshotVersion)}

	if settings, ok := doc["app_settings"].(map[string]any); ok {
		s.AppSettings.GlobalTokenLimit = intField(settings, "global_token_limit", DefaultGlobalTokenLimit)
	} else {
		s.AppSettings.GlobalTokenLimit = DefaultGlobalTokenLimit
	}

	rawNodes, ok := doc["nodes"].([]any)
	if !ok {
		warnings = append(warnings, LoadWarning{Entry: "graph", Reason: "document has no nodes array, defaulting to empty"})
	}
	for i, entry := range rawNodes {
		m, ok := entry.(map[string]any)
		if !ok {
			warnings = append(warnings, LoadWarning{Entry: "node", Reason: fmt.Sprintf("entry %d is not an object", i)})
			continue
		}
		id := stringField(m, "id", "")
		if id == "" {
			warnings = append(warnings, LoadWarning{Entry: "node", Reason: fmt.Sprintf("entry %d has no id", i)})
			continue
		}

		ns := NodeSnapshot{
			ID:           id,
			Name:         stringField(m, "name", ""),
			Prompt:       stringField(m, "prompt", ""),
			CachedOutput: stringField(m, "cached_output", ""),
			IsDirty:      boolField(m, "is_dirty", false),
			Config: ConfigSnapshot{
				Model:      DefaultModel,
				Provider:   DefaultProviderName,
				MaxTokens:  DefaultMaxTokens,
				TraceDepth: DefaultTraceDepth,
			},
		}
		if conf, ok := m["config"].(map[string]any); ok {
			ns.Config.Model = stringField(conf, "model", DefaultModel)
			ns.Config.Provider = stringField(conf, "provider", DefaultProviderName)
			ns.Config.MaxTokens = intField(conf, "max_tokens", DefaultMaxTokens)
			ns.Config.TraceDepth = intField(conf, "trace_depth", DefaultTraceDepth)
		}
		if inputs, ok := m["inputs"].([]any); ok {
			for _, in := range inputs {
				linkID, ok := in.(string)
				if !ok {
					warnings = append(warnings, LoadWarning{Entry: "input", ID: id, Reason: "ignoring non-string input entry"})
					continue
				}
				ns.Inputs = append(ns.Inputs, linkID)
			}
		}
		s.Nodes = append(s.Nodes, ns)
	}

	rawLinks, _ := doc["links"].([]any)
	for i, entry := range rawLinks {
		m, ok := entry.(map[string]any)
		if !ok {
			warnings = append(warnings, LoadWarning{Entry: "link", Reason: fmt.Sprintf("entry %d is not an object", i)})
			continue
		}
		source := stringField(m, "source", "")
		target := stringField(m, "target", "")
		if source == "" || target == "" {
			warnings = append(warnings, LoadWarning{Entry: "link", ID: stringField(m, "id", ""), Reason: fmt.Sprintf("entry %d is missing an endpoint", i)})
			continue
		}
		id := stringField(m, "id", "")
		if id == "" {
			id = uuid.NewString()
		}
		s.Links = append(s.Links, LinkSnapshot{ID: id, Source: source, Target: target})
	}

	return s, warnings, nil
}

// FromSnapshot reconstructs a graph. Entries that would break an
// invariant — duplicate ids or names, dangling endpoints, cycle-forming
// links — are skipped with a warning; input lists are reconciled against
// the surviving links, preserving their recorded order.
func FromSnapshot(s *Snapshot, opts ...GraphOption) (*Graph, []LoadWarning) {
	g := NewGraph(opts...)
	if s.AppSettings.GlobalTokenLimit > 0 {
		g.GlobalTokenLimit = s.AppSettings.GlobalTokenLimit
	}

	var warnings []LoadWarning
	for _, ns := range s.Nodes {
		n := &Node{
			ID:           ns.ID,
			Name:         ns.Name,
			Prompt:       ns.Prompt,
			CachedOutput: ns.CachedOutput,
			IsDirty:      ns.IsDirty,
			InputLinks:   slices.Clone(ns.Inputs),
			Config: NodeConfig{
				Model:      ns.Config.Model,
				Provider:   ns.Config.Provider,
				MaxTokens:  ns.Config.MaxTokens,
				TraceDepth: ns.Config.TraceDepth,
			},
		}
		if err := g.AddNode(n); err != nil {
			warnings = append(warnings, LoadWarning{Entry: "node", ID: ns.ID, Reason: err.Error()})
		}
	}

	for _, ls := range s.Links {
		if _, ok := g.nodes[ls.Source]; !ok {
			warnings = append(warnings, LoadWarning{Entry: "link", ID: ls.ID, Reason: fmt.Sprintf("source %s missing, link dropped", ls.Source)})
			continue
		}
		if _, ok := g.nodes[ls.Target]; !ok {
			warnings = append(warnings, LoadWarning{Entry: "link", ID: ls.ID, Reason: fmt.Sprintf("target %s missing, link dropped", ls.Target)})
			continue
		}
		if _, dup := g.links[ls.ID]; dup {
			warnings = append(warnings, LoadWarning{Entry: "link", ID: ls.ID, Reason: "duplicate link id, link dropped"})
			continue
		}
		if g.isReachable(ls.Target, ls.Source) {
			warnings = append(warnings, LoadWarning{Entry: "link", ID: ls.ID, Reason: "link would close a cycle, link dropped"})
			continue
		}
		g.links[ls.ID] = &Link{ID: ls.ID, SourceID: ls.Source, TargetID: ls.Target}
	}

	// Reconcile each node's input list with the surviving links: drop
	// stale or foreign entries, then append any link targeting the node
	// that the list forgot.
	for _, n := range g.nodes {
		kept := n.InputLinks[:0]
		seen := make(map[string]bool)
		for _, linkID := range n.InputLinks {
			l, ok := g.links[linkID]
			if !ok || l.TargetID != n.ID || seen[linkID] {
				continue
			}
			seen[linkID] = true
			kept = append(kept, linkID)
		}
		n.InputLinks = kept
	}
	for _, ls := range s.Links {
		l, ok := g.links[ls.ID]
		if !ok {
			continue
		}
		target := g.nodes[l.TargetID]
		if !slices.Contains(target.InputLinks, l.ID) {
			target.InputLinks = append(target.InputLinks, l.ID)
		}
	}

	return g, warnings
}

// SaveFile writes the graph's snapshot atomically: the document lands in
// a temp file in the target directory and is renamed into place.
func SaveFile(path string, g *Graph) error {
	data := EncodeSnapshot(g.Snapshot())

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// LoadFile reads a snapshot file into a graph. Warnings cover skipped
// entries and any residual invariant violations found by Validate.
func LoadFile(path string, opts ...GraphOption) (*Graph, []LoadWarning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &PersistenceError{Path: path, Err: err}
	}

	s, warnings, err := DecodeSnapshot(data)
	if err != nil {
		if pe, ok := err.(*PersistenceError); ok {
			pe.Path = path
		}
		return nil, warnings, err
	}

	g, buildWarnings := FromSnapshot(s, opts...)
	warnings = append(warnings, buildWarnings...)
	for _, v := range g.Validate() {
		warnings = append(warnings, LoadWarning{Entry: "graph", Reason: v.String()})
	}
	return g, warnings, nil
}

// MergeFile loads a snapshot file and merges it into g, renaming
// colliding names with the tag. An empty tag defaults to the file's
// base name without extension. It returns the old-id → new-id table for
// the imported nodes.
func MergeFile(g *Graph, path, tag string) (map[string]string, []LoadWarning, error) {
	src, warnings, err := LoadFile(path)
	if err != nil {
		return nil, warnings, err
	}
	if tag == "" {
		base := filepath.Base(path)
		tag = strings.TrimSuffix(base, filepath.Ext(base))
	}
	remap, err := g.Merge(src, tag)
	return remap, warnings, err
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
