package extract

import (
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/internal/model"
)

// extractText handles .txt, .html, .htm: the common-prefix nodes plus a
// single TextUnit holding the entire content, attached to the Module.
func extractText(doc loader.Document) model.ExtractionResult {
	moduleNode, moduleKey, objectNode, edges := buildObjectAndModule(doc)
	nodes := withObjectNode([]model.GraphNode{moduleNode}, objectNode)

	textUnit := model.TextUnit{Text: doc.Content, Path: doc.RelPath, NodeKey: moduleKey}
	return model.ExtractionResult{Nodes: nodes, Edges: edges, TextUnits: []model.TextUnit{textUnit}}
}

func extractHTML(doc loader.Document) model.ExtractionResult {
	return extractText(doc)
}
