package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNodeKey_OrderIndependent(t *testing.T) {
	a := NewNodeKey("Module", map[string]string{"guid": "g1", "collection": "catalog_refs"})
	b := NewNodeKey("Module", map[string]string{"collection": "catalog_refs", "guid": "g1"})
	require.Equal(t, a, b, "map iteration order must not affect NodeKey equality")
}

func TestNewNodeKey_DifferentLabelsDiffer(t *testing.T) {
	a := NewNodeKey("Module", map[string]string{"guid": "g1"})
	b := NewNodeKey("Object", map[string]string{"guid": "g1"})
	require.NotEqual(t, a, b)
}

func TestGraphNode_MergeInto_SkipsNilProperties(t *testing.T) {
	dst := GraphNode{Properties: map[string]any{"name": "original", "kind": "CommonModule"}}
	src := GraphNode{Properties: map[string]any{"name": "updated", "kind": nil}}

	src.MergeInto(&dst)

	require.Equal(t, "updated", dst.Properties["name"])
	require.Equal(t, "CommonModule", dst.Properties["kind"], "nil must not overwrite an existing value")
}

func TestGraphEdge_Key(t *testing.T) {
	start := NewNodeKey("Object", map[string]string{"qualified_name": "x"})
	end := NewNodeKey("Module", map[string]string{"guid": "g1"})
	edge := GraphEdge{Start: start, Type: "HAS_MODULE", End: end}

	require.Equal(t, EdgeKey{Start: start, Type: "HAS_MODULE", End: end}, edge.Key())
}

func TestExtractionResult_Append(t *testing.T) {
	r := ExtractionResult{Nodes: []GraphNode{{Label: "Module"}}}
	r.Append(ExtractionResult{
		Nodes:     []GraphNode{{Label: "Object"}},
		Edges:     []GraphEdge{{Type: "HAS_MODULE"}},
		TextUnits: []TextUnit{{Text: "body"}},
	})

	require.Len(t, r.Nodes, 2)
	require.Len(t, r.Edges, 1)
	require.Len(t, r.TextUnits, 1)
}
