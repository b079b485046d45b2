// Package model holds the labelled-property-graph and chunk types shared
// across the loader, extractors, chunker, schema validator, graph writer,
// and vector index builder. None of these types perform I/O.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// NodeKey is the canonical identity of a graph node, independent of its
// properties. Two nodes are the same iff their NodeKeys are equal.
//
// Key is the label followed by the sorted "k=v" pairs of KeyProps, all
// joined by "|" (e.g. "Module|guid=g1") — the same
// canonicalisation the graph writer uses to correlate upsert rows back to
// NodeKeys (originally a log-only helper; promoted here to the equality
// representation itself since Go needs a comparable/hashable form and the
// sorted string already satisfies the order-independence contract).
type NodeKey struct {
	Label    string
	Key      string
	KeyProps map[string]string
}

// NewNodeKey builds a NodeKey from a label and its key properties, sorting
// the properties so that map iteration order never affects equality.
func NewNodeKey(label string, keyProps map[string]string) NodeKey {
	names := make([]string, 0, len(keyProps))
	for k := range keyProps {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(label)
	b.WriteByte('|')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s=%s", name, keyProps[name])
	}

	propsCopy := make(map[string]string, len(keyProps))
	for k, v := range keyProps {
		propsCopy[k] = v
	}
	return NodeKey{Label: label, Key: b.String(), KeyProps: propsCopy}
}

// KeyFieldNames returns the sorted key property names, e.g. for deriving
// Cypher parameter shapes.
func (k NodeKey) KeyFieldNames() []string {
	names := make([]string, 0, len(k.KeyProps))
	for name := range k.KeyProps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k NodeKey) String() string {
	return k.Key
}

// EdgeKey identifies an edge by the triple (start, type, end); edge
// properties are merged on collision but never change identity.
type EdgeKey struct {
	Start NodeKey
	Type  string
	End   NodeKey
}

// GraphNode is a labelled node with a key (identity-bearing properties)
// and a property bag. Merging two nodes with equal NodeKey replaces each
// non-null property from the later occurrence; null values never
// overwrite.
type GraphNode struct {
	Label      string
	Key        map[string]string
	Properties map[string]any
}

// NodeKey derives this node's canonical identity.
func (n GraphNode) NodeKey() NodeKey {
	return NewNodeKey(n.Label, n.Key)
}

// MergeInto applies n's non-nil properties onto dst, overwriting existing
// non-nil values. Callers must only invoke this for nodes sharing a
// NodeKey.
func (n GraphNode) MergeInto(dst *GraphNode) {
	if dst.Properties == nil {
		dst.Properties = map[string]any{}
	}
	for k, v := range n.Properties {
		if v == nil {
			continue
		}
		dst.Properties[k] = v
	}
}

// GraphEdge connects two NodeKeys with a relationship type and properties.
type GraphEdge struct {
	Start      NodeKey
	Type       string
	End        NodeKey
	Properties map[string]any
}

// Key returns the edge's identity triple.
func (e GraphEdge) Key() EdgeKey {
	return EdgeKey{Start: e.Start, Type: e.Type, End: e.End}
}

// TextUnit is a body of text attributable to exactly one NodeKey; the
// chunker's input.
type TextUnit struct {
	Text    string
	Path    string
	Locator string // empty means "not set"
	NodeKey NodeKey
}

// Chunk is a segment of a TextUnit, the atomic unit of embedding and
// retrieval.
type Chunk struct {
	ChunkID string
	Text    string
	Path    string
	Locator string
	NodeKey NodeKey
	Summary string
}

// ExtractionResult is what every per-file extractor produces.
type ExtractionResult struct {
	Nodes     []GraphNode
	Edges     []GraphEdge
	TextUnits []TextUnit
}

// Append concatenates another result's nodes/edges/text units onto r.
func (r *ExtractionResult) Append(other ExtractionResult) {
	r.Nodes = append(r.Nodes, other.Nodes...)
	r.Edges = append(r.Edges, other.Edges...)
	r.TextUnits = append(r.TextUnits, other.TextUnits...)
}
