// Package pipeline sequences one indexing job end to end: load, extract,
// validate, chunk, embed, write to the graph, build the vector index,
// finalise. It never panics out of Run — every failure short-circuits to
// a persisted job.State in ERROR.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/onec-graphrag/indexer/engine/chunk"
	"github.com/onec-graphrag/indexer/engine/embed"
	"github.com/onec-graphrag/indexer/engine/extract"
	"github.com/onec-graphrag/indexer/engine/graph"
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/engine/schema"
	"github.com/onec-graphrag/indexer/engine/vector"
	"github.com/onec-graphrag/indexer/internal/job"
	"github.com/onec-graphrag/indexer/internal/model"
	"github.com/onec-graphrag/indexer/pkg/fn"
	"github.com/onec-graphrag/indexer/pkg/natsutil"
)

// Config bundles everything the orchestrator needs that isn't per-job.
type Config struct {
	Validator      *schema.Validator
	EmbedClient    embed.Client
	EmbedConfig    embed.Config
	GraphDriver    neo4j.DriverWithContext
	GraphConfig    graph.Config
	IndexesDir     string
	VectorBackend  VectorBackendFactory
	ProgressEveryN int // file_progress log cadence, default 100

	// NatsConn, if set, receives best-effort job-lifecycle events on
	// "graphrag.job.<status>". A publish failure never fails the job.
	NatsConn *nats.Conn
}

// jobEvent is the payload published to NATS at each job-lifecycle
// transition.
type jobEvent struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VectorBackendFactory opens (or creates) the vector.Index for one
// collection; lets the caller choose local-flat vs. Qdrant per
// deployment.
type VectorBackendFactory func(ctx context.Context, collection string, dims int) (vector.Index, error)

// Pipeline implements queue.Runner.
type Pipeline struct {
	cfg    Config
	store  *queue.Store
	logger *slog.Logger
}

func New(cfg Config, store *queue.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProgressEveryN <= 0 {
		cfg.ProgressEveryN = 100
	}
	return &Pipeline{cfg: cfg, store: store, logger: logger}
}

// Run executes one job to completion, recovering every error into a
// persisted ERROR job.State rather than propagating it to the caller.
func (p *Pipeline) Run(ctx context.Context, j queue.IndexJob) {
	p.logger.Info("indexing_start", "job_id", j.JobID, "collection", j.Collection)

	state, err := p.store.Get(ctx, j.JobID)
	if err != nil {
		p.logger.Error("job_state_load_failed", "job_id", j.JobID, "error", err)
		state = nil
	}
	if state == nil {
		state = job.NewState(j.JobID, j.Collection)
	}

	preservedTotal := state.Stats.TotalFiles
	now := time.Now().UTC()
	state.Status = job.StatusRunning
	state.StartedAt = &now
	state.Errors = nil
	state.Stats = job.Stats{TotalFiles: preservedTotal}
	p.save(ctx, state)
	p.publishEvent(ctx, j, string(job.StatusRunning), "", "")

	if err := p.run(ctx, j, state); err != nil {
		p.logger.Error("job_failed", "status", "ERROR", "job_id", j.JobID, "collection", j.Collection, "error", err)
		finished := time.Now().UTC()
		state.Status = job.StatusError
		state.FinishedAt = &finished
		state.Errors = append(state.Errors, job.Error{Message: err.Error()})
		state.Stats.DurationSec = duration(state.StartedAt, &finished)
		p.save(ctx, state)
		p.publishEvent(ctx, j, string(job.StatusError), state.Stats.Phase, err.Error())
		return
	}
	p.publishEvent(ctx, j, string(job.StatusDone), "FINALIZING", "")
}

// publishEvent best-effort publishes a job-lifecycle event; a nil
// NatsConn or a publish failure is logged and otherwise ignored.
func (p *Pipeline) publishEvent(ctx context.Context, j queue.IndexJob, status, phase, errMsg string) {
	if p.cfg.NatsConn == nil {
		return
	}
	evt := jobEvent{JobID: j.JobID, Collection: j.Collection, Status: status, Phase: phase, Error: errMsg}
	if err := natsutil.Publish(ctx, p.cfg.NatsConn, "graphrag.job."+status, evt); err != nil {
		p.logger.Warn("job_event_publish_failed", "job_id", j.JobID, "status", status, "error", err)
	}
}

func (p *Pipeline) run(ctx context.Context, j queue.IndexJob, state *job.State) error {
	documents, err := loader.Load(j.RawPath, p.logger)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	p.logger.Info("load_documents_ok", "job_id", j.JobID, "collection", j.Collection, "documents", len(documents), "path", j.RawPath)

	if state.Stats.TotalFiles == 0 {
		state.Stats.TotalFiles = len(documents)
		p.save(ctx, state)
		p.logger.Info("init_total_files", "job_id", j.JobID, "collection", j.Collection, "total_files", state.Stats.TotalFiles)
	} else if state.Stats.TotalFiles != len(documents) {
		p.logger.Warn("total_files_mismatch", "job_id", j.JobID, "collection", j.Collection, "expected", state.Stats.TotalFiles, "actual", len(documents))
	}

	nodesByKey := map[model.NodeKey]model.GraphNode{}
	edgesKeyed := map[model.EdgeKey]model.GraphEdge{}
	var textUnits []model.TextUnit

	for _, doc := range documents {
		extraction, err := p.processDocument(ctx, doc)
		if err != nil {
			var valErr *schema.ValidationError
			if errors.As(err, &valErr) {
				p.logger.Error("schema_validation_failed", "job_id", j.JobID, "collection", j.Collection, "path", doc.RelPath, "error", err)
				return fmt.Errorf("schema validation failed for %s: %w", doc.RelPath, err)
			}
			p.logger.Error("document_processing_failed", "job_id", j.JobID, "collection", j.Collection, "path", doc.RelPath, "error", err)
			state.Errors = append(state.Errors, job.Error{Message: err.Error(), Path: doc.RelPath})
		} else {
			mergeNodes(nodesByKey, extraction.Nodes)
			tagEdgesWithCollection(extraction.Edges, j.Collection)
			mergeEdges(edgesKeyed, extraction.Edges)
			textUnits = append(textUnits, extraction.TextUnits...)
		}

		state.Stats.ProcessedFiles++
		p.save(ctx, state)
		if state.Stats.ProcessedFiles%p.cfg.ProgressEveryN == 0 {
			p.logger.Info("file_progress", "job_id", j.JobID, "collection", j.Collection, "processed_files", state.Stats.ProcessedFiles, "total_files", state.Stats.TotalFiles)
		}
	}

	if len(state.Errors) > 0 {
		p.logger.Warn("job_completed_with_errors", "job_id", j.JobID, "collection", j.Collection, "errors", len(state.Errors))
	}

	chunks := chunk.Units(textUnits)
	if len(chunks) == 0 {
		p.logger.Warn("no_chunks", "job_id", j.JobID, "collection", j.Collection)
	} else {
		p.logger.Info("chunks_generated", "job_id", j.JobID, "collection", j.Collection, "chunks", len(chunks))
	}
	state.Stats.VectorChunks = len(chunks)
	state.Stats.Phase = "EMBEDDING"
	state.Stats.EmbeddedChunks = 0
	p.save(ctx, state)
	p.logger.Info("phase_set", "job_id", j.JobID, "collection", j.Collection, "phase", "EMBEDDING", "vector_chunks", state.Stats.VectorChunks, "embedded_chunks", state.Stats.EmbeddedChunks)

	embeddings, err := p.computeEmbeddings(ctx, j, state, chunks)
	if err != nil {
		return fmt.Errorf("compute embeddings: %w", err)
	}
	if len(embeddings) > 0 {
		p.logger.Info("embeddings_computed", "job_id", j.JobID, "collection", j.Collection, "embedded", len(embeddings))
	}

	edgesList := make([]model.GraphEdge, 0, len(edgesKeyed))
	for _, e := range edgesKeyed {
		edgesList = append(edgesList, e)
	}
	nodesList := make([]model.GraphNode, 0, len(nodesByKey))
	for _, n := range nodesByKey {
		nodesList = append(nodesList, n)
	}

	state.Stats.GraphNodesTotal = len(nodesByKey)
	state.Stats.GraphEdgesTotal = len(edgesList)
	state.Stats.GraphNodesWritten = 0
	state.Stats.GraphEdgesWritten = 0
	state.Stats.Phase = "GRAPH_WRITE"
	p.save(ctx, state)
	p.logger.Info("phase_set", "job_id", j.JobID, "collection", j.Collection, "phase", "GRAPH_WRITE", "graph_nodes_total", state.Stats.GraphNodesTotal, "graph_edges_total", state.Stats.GraphEdgesTotal)

	nodeIDs, err := p.writeGraph(ctx, j, state, nodesList, edgesList)
	if err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	state.Stats.GraphNodesWritten = state.Stats.GraphNodesTotal
	state.Stats.GraphEdgesWritten = state.Stats.GraphEdgesTotal
	p.save(ctx, state)
	p.logger.Info("graph_write_completed", "job_id", j.JobID, "collection", j.Collection,
		"graph_nodes_written", state.Stats.GraphNodesWritten, "graph_nodes_total", state.Stats.GraphNodesTotal,
		"graph_edges_written", state.Stats.GraphEdgesWritten, "graph_edges_total", state.Stats.GraphEdgesTotal)
	p.logger.Info("neo4j_upsert_summary", "job_id", j.JobID, "collection", j.Collection, "nodes", len(nodesByKey), "edges", len(edgesKeyed))

	state.Stats.Nodes = len(nodesByKey)
	state.Stats.Edges = len(edgesKeyed)
	p.save(ctx, state)

	state.Stats.Phase = "VECTOR_INDEX"
	p.save(ctx, state)
	p.logger.Info("phase_set", "job_id", j.JobID, "collection", j.Collection, "phase", "VECTOR_INDEX")
	if err := p.buildVectorIndex(ctx, j, chunks, embeddings, nodeIDs); err != nil {
		return fmt.Errorf("build vector index: %w", err)
	}
	p.logger.Info("vector_index_updated", "job_id", j.JobID, "collection", j.Collection)

	state.Stats.Phase = "FINALIZING"
	p.save(ctx, state)
	p.logger.Info("phase_set", "job_id", j.JobID, "collection", j.Collection, "phase", "FINALIZING")

	finished := time.Now().UTC()
	state.Status = job.StatusDone
	state.FinishedAt = &finished
	state.Stats.DurationSec = duration(state.StartedAt, &finished)
	p.save(ctx, state)
	p.logger.Info("job_finished", "status", "DONE", "job_id", j.JobID, "collection", j.Collection, "duration_sec", state.Stats.DurationSec)
	return nil
}

// extractStage turns a loaded Document into raw nodes/edges/text units. It
// never itself fails; extract.Document degrades to a bare Document node
// rather than erroring on unrecognised shapes.
var extractStage fn.Stage[loader.Document, model.ExtractionResult] = func(_ context.Context, doc loader.Document) fn.Result[model.ExtractionResult] {
	return fn.Ok(extract.Document(doc))
}

// newValidateStage binds a schema.Validator and the originating document's
// path, so a validation failure can still be attributed to the file that
// produced it once it travels through the stage chain as a plain error.
func newValidateStage(v *schema.Validator, relPath string) fn.Stage[model.ExtractionResult, model.ExtractionResult] {
	return func(_ context.Context, extraction model.ExtractionResult) fn.Result[model.ExtractionResult] {
		if verr := v.Validate(extraction, relPath); verr != nil {
			return fn.Err[model.ExtractionResult](verr)
		}
		return fn.Ok(extraction)
	}
}

// processDocument runs one document through the Load→Extract→Validate
// stage chain, converting any unexpected panic from the extractor into a
// soft error so one malformed file never aborts the whole job. A
// *schema.ValidationError unwraps as a plain error the caller can still
// recognise via errors.As, since Result[T].Unwrap discards no type
// information.
func (p *Pipeline) processDocument(ctx context.Context, doc loader.Document) (result model.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic extracting %s: %v", doc.RelPath, r)
		}
	}()

	stage := fn.Then(extractStage, newValidateStage(p.cfg.Validator, doc.RelPath))
	return stage(ctx, doc).Unwrap()
}

func (p *Pipeline) computeEmbeddings(ctx context.Context, j queue.IndexJob, state *job.State, chunks []model.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	batcher := embed.New(p.cfg.EmbedClient, p.cfg.EmbedConfig, p.logger)
	return batcher.Run(ctx, texts, func(batchSize int) {
		state.Stats.EmbeddedChunks += batchSize
		p.save(ctx, state)
		p.logger.Info("embedding_progress", "job_id", j.JobID, "collection", j.Collection, "embedded_chunks", state.Stats.EmbeddedChunks, "vector_chunks", state.Stats.VectorChunks)
	})
}

func (p *Pipeline) writeGraph(ctx context.Context, j queue.IndexJob, state *job.State, nodes []model.GraphNode, edges []model.GraphEdge) (map[model.NodeKey]string, error) {
	writer := graph.NewWriter(p.cfg.GraphDriver, p.cfg.GraphConfig, p.logger)
	wctx := graph.WriteContext{JobID: j.JobID, Collection: j.Collection}
	return writer.Upsert(ctx, nodes, edges, wctx,
		func(n int) { state.Stats.GraphNodesWritten += n; p.save(ctx, state) },
		func(n int) { state.Stats.GraphEdgesWritten += n; p.save(ctx, state) },
	)
}

func (p *Pipeline) buildVectorIndex(ctx context.Context, j queue.IndexJob, chunks []model.Chunk, embeddings [][]float32, nodeIDs map[model.NodeKey]string) error {
	if len(embeddings) == 0 || len(chunks) == 0 {
		return nil
	}
	dims := len(embeddings[0])
	index, err := p.cfg.VectorBackend(ctx, j.Collection, dims)
	if err != nil {
		return fmt.Errorf("open vector backend: %w", err)
	}
	defer index.Close()

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		nodeID, _ := nodeIDs[c.NodeKey]
		const snippetLen = 300
		snippet := c.Text
		if len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
		records[i] = vector.Record{
			ChunkID:   c.ChunkID,
			Embedding: embeddings[i],
			Payload: map[string]any{
				"node_id":      nodeID,
				"path":         c.Path,
				"locator":      c.Locator,
				"text":         c.Text,
				"text_snippet": snippet,
			},
		}
		p.logger.Info("chunk_metadata", "job_id", j.JobID, "collection", j.Collection, "chunk_id", c.ChunkID, "node_id", nodeID, "path", c.Path, "locator", c.Locator)
	}
	if err := index.Upsert(ctx, records); err != nil {
		return err
	}
	return index.Save(ctx)
}

func (p *Pipeline) save(ctx context.Context, state *job.State) {
	if err := p.store.Save(ctx, state); err != nil {
		p.logger.Error("job_state_save_failed", "job_id", state.JobID, "error", err)
	}
}

// mergeNodes applies last-writer-wins, non-null-only merging per NodeKey.
func mergeNodes(into map[model.NodeKey]model.GraphNode, nodes []model.GraphNode) {
	for _, node := range nodes {
		key := node.NodeKey()
		if existing, ok := into[key]; ok {
			node.MergeInto(&existing)
			into[key] = existing
			continue
		}
		into[key] = node
	}
}

// mergeEdges applies first-writer-wins by (start, type, end).
func mergeEdges(into map[model.EdgeKey]model.GraphEdge, edges []model.GraphEdge) {
	for _, edge := range edges {
		key := edge.Key()
		if _, ok := into[key]; !ok {
			into[key] = edge
		}
	}
}

func tagEdgesWithCollection(edges []model.GraphEdge, collection string) {
	for i := range edges {
		if edges[i].Properties == nil {
			edges[i].Properties = map[string]any{}
		}
		edges[i].Properties["collection"] = collection
	}
}

func duration(started, finished *time.Time) float64 {
	if started == nil || finished == nil {
		return 0
	}
	return finished.Sub(*started).Seconds()
}
