package extract

import (
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/internal/model"
)

// Document extracts one loaded file into nodes, edges, and text units,
// dispatching by extension. Unknown extensions fall back to the text
// extractor (the loader's allow-list already excludes anything this
// dispatch table doesn't recognise).
func Document(doc loader.Document) model.ExtractionResult {
	switch doc.Extension {
	case ".bsl":
		return extractBSL(doc)
	case ".xml":
		return extractXML(doc)
	case ".html", ".htm":
		return extractHTML(doc)
	default:
		return extractText(doc)
	}
}
