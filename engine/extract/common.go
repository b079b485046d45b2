// Package extract implements the per-extension extractor family: each
// extractor turns one loaded document into nodes, edges, and text units.
// Extractors never perform I/O beyond parsing the content they are given.
package extract

import (
	"path"
	"strings"

	"github.com/onec-graphrag/indexer/engine/identity"
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/internal/model"
)

// buildObjectAndModule derives the common-prefix Object node (when the
// relative path has at least two components) and the always-present
// Module node, plus the edges between them.
func buildObjectAndModule(doc loader.Document) (moduleNode model.GraphNode, moduleKey model.NodeKey, objectNode *model.GraphNode, edges []model.GraphEdge) {
	parts := strings.Split(doc.RelPath, "/")

	if len(parts) >= 2 {
		root := parts[0]
		objType, ok := ObjectTypeMap[root]
		if !ok {
			objType = "Other"
		}
		name := parts[1]
		qualifiedName := root + "." + name
		objectNode = &model.GraphNode{
			Label: "Object",
			Key:   map[string]string{"qualified_name": qualifiedName},
			Properties: map[string]any{
				"qualified_name": qualifiedName,
				"type":           objType,
				"name":           name,
				"path":           doc.RelPath,
			},
		}
	}

	stem := stemOf(doc.RelPath)
	moduleKind, ok := ModuleKindMap[stem]
	if !ok && len(parts) > 2 {
		seg := strings.SplitN(parts[2], ".", 2)[0]
		moduleKind, ok = ModuleKindMap[seg]
		if !ok {
			moduleKind = "CommonModule"
		}
	} else if !ok {
		moduleKind = "CommonModule"
	}

	moduleGUID := identity.StableGUID(doc.RelPath + ":module")
	moduleNode = model.GraphNode{
		Label: "Module",
		Key:   map[string]string{"guid": moduleGUID},
		Properties: map[string]any{
			"name": stem,
			"kind": moduleKind,
			"guid": moduleGUID,
			"path": doc.RelPath,
		},
	}
	moduleKey = moduleNode.NodeKey()

	if objectNode != nil {
		objectKey := objectNode.NodeKey()
		edges = append(edges,
			model.GraphEdge{Start: objectKey, Type: "HAS_MODULE", End: moduleKey, Properties: map[string]any{}},
			model.GraphEdge{Start: moduleKey, Type: "OWNED_BY", End: objectKey, Properties: map[string]any{}},
		)
	}

	return moduleNode, moduleKey, objectNode, edges
}

func stemOf(relPath string) string {
	base := path.Base(relPath)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func withObjectNode(nodes []model.GraphNode, obj *model.GraphNode) []model.GraphNode {
	if obj != nil {
		nodes = append(nodes, *obj)
	}
	return nodes
}
