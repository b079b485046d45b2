// Package vector builds and queries the chunk-level similarity index that
// sits alongside the graph, behind one shared interface with two
// backends: a local flat inner-product index persisted to disk, and a
// remote Qdrant collection.
package vector

import "context"

// Record is one embedded chunk, ready to be indexed.
type Record struct {
	ChunkID   string
	Embedding []float32
	Payload   map[string]any // the pipeline sends node_id, path, locator, text, text_snippet; backends add chunk_id
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ChunkID string
	Score   float32
	Payload map[string]any
}

// Index is the seam the pipeline writes through and the query layer reads
// through, independent of backend.
type Index interface {
	// Upsert adds or replaces records. Implementations overwrite entries
	// with the same ChunkID.
	Upsert(ctx context.Context, records []Record) error
	// Search returns the topK nearest records to query by inner product
	// on L2-normalised vectors (cosine similarity).
	Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error)
	// Save persists the index, for backends that need an explicit flush.
	Save(ctx context.Context) error
	Close() error
}
