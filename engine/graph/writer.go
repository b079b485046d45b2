// Package graph batches extracted nodes and edges into a graph database,
// grouped by shape so each group can be written with one parameterised
// Cypher statement per batch.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/onec-graphrag/indexer/internal/model"
)

// ErrInconsistentKeyFields is returned when a label (or edge endpoint)
// group does not expose the same set of key fields across every member —
// a data-model error per spec, not a transient failure.
var ErrInconsistentKeyFields = errors.New("graph: inconsistent key fields within a batch group")

// Config controls batch sizing and retry behaviour.
type Config struct {
	NodeBatchSize int
	EdgeBatchSize int
	MaxAttempts   int
	Backoff       time.Duration
	Database      string
}

func DefaultConfig() Config {
	return Config{NodeBatchSize: 500, EdgeBatchSize: 500, MaxAttempts: 3, Backoff: time.Second, Database: "neo4j"}
}

// WriteContext carries the logging context (job_id, collection) threaded
// through every structured log line this writer emits.
type WriteContext struct {
	JobID      string
	Collection string
}

// Writer upserts GraphNodes/GraphEdges transactionally, batch by batch.
type Writer struct {
	driver neo4j.DriverWithContext
	cfg    Config
	logger *slog.Logger
}

func NewWriter(driver neo4j.DriverWithContext, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NodeBatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Writer{driver: driver, cfg: cfg, logger: logger}
}

// Upsert writes every node then every edge, grouped and batched. It
// returns a map from NodeKey to the backend's stable per-row element id,
// used later to resolve chunk.node_key -> node_id for the vector index
// sidecar. onNodesBatch/onEdgesBatch are invoked with the batch size after
// each successful batch.
func (w *Writer) Upsert(ctx context.Context, nodes []model.GraphNode, edges []model.GraphEdge, wctx WriteContext, onNodesBatch, onEdgesBatch func(int)) (map[model.NodeKey]string, error) {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.cfg.Database})
	defer session.Close(ctx)

	nodeMap := map[model.NodeKey]string{}

	grouped := map[string][]model.GraphNode{}
	var labelOrder []string
	for _, n := range nodes {
		if _, ok := grouped[n.Label]; !ok {
			labelOrder = append(labelOrder, n.Label)
		}
		grouped[n.Label] = append(grouped[n.Label], n)
	}

	for _, label := range labelOrder {
		bucket := grouped[label]
		keyFields, err := deriveNodeKeyFields(bucket)
		if err != nil {
			return nil, err
		}
		cypher := buildMergeNodeCypher(label, keyFields)

		for batchIdx, chunk := range batchNodes(bucket, w.cfg.NodeBatchSize) {
			rows, lookup := buildNodeRows(chunk)
			w.logger.Info("neo4j_nodes_batch_start", "job_id", wctx.JobID, "collection", wctx.Collection, "label", label, "batch_index", batchIdx+1, "batch_size", len(rows))
			start := time.Now()

			records, err := w.executeNodesWithRetry(ctx, session, cypher, rows, wctx, label, batchIdx+1, len(rows))
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				keyHash, _ := rec.Get("key_hash")
				elementID, _ := rec.Get("element_id")
				nodeKey, ok := lookup[keyHash.(string)]
				if !ok {
					return nil, fmt.Errorf("graph: missing node lookup for key_hash=%v", keyHash)
				}
				nodeMap[nodeKey] = fmt.Sprint(elementID)
			}
			w.logger.Info("neo4j_nodes_batch_end", "job_id", wctx.JobID, "collection", wctx.Collection, "label", label, "batch_index", batchIdx+1, "batch_size", len(rows), "duration_ms", time.Since(start).Milliseconds())
			if onNodesBatch != nil {
				onNodesBatch(len(rows))
			}
		}
	}

	type edgeGroupKey struct{ startLabel, relType, endLabel string }
	edgeGrouped := map[edgeGroupKey][]model.GraphEdge{}
	var edgeOrder []edgeGroupKey
	for _, e := range edges {
		key := edgeGroupKey{e.Start.Label, e.Type, e.End.Label}
		if _, ok := edgeGrouped[key]; !ok {
			edgeOrder = append(edgeOrder, key)
		}
		edgeGrouped[key] = append(edgeGrouped[key], e)
	}

	for _, key := range edgeOrder {
		bucket := edgeGrouped[key]
		startFields, endFields, err := deriveEdgeFields(bucket)
		if err != nil {
			return nil, err
		}
		cypher := buildMergeEdgeCypher(key.startLabel, key.relType, key.endLabel, startFields, endFields)

		for batchIdx, chunk := range batchEdges(bucket, w.cfg.EdgeBatchSize) {
			rows := buildEdgeRows(chunk)
			w.logger.Info("neo4j_edges_batch_start", "job_id", wctx.JobID, "collection", wctx.Collection, "rel_type", key.relType, "start_label", key.startLabel, "end_label", key.endLabel, "batch_index", batchIdx+1, "batch_size", len(rows))
			start := time.Now()

			if err := w.executeEdgesWithRetry(ctx, session, cypher, rows, wctx, key, batchIdx+1, len(rows)); err != nil {
				return nil, err
			}
			w.logger.Info("neo4j_edges_batch_end", "job_id", wctx.JobID, "collection", wctx.Collection, "rel_type", key.relType, "start_label", key.startLabel, "end_label", key.endLabel, "batch_index", batchIdx+1, "batch_size", len(rows), "duration_ms", time.Since(start).Milliseconds())
			if onEdgesBatch != nil {
				onEdgesBatch(len(rows))
			}
		}
	}

	return nodeMap, nil
}

func (w *Writer) executeNodesWithRetry(ctx context.Context, session neo4j.SessionWithContext, cypher string, rows []map[string]any, wctx WriteContext, label string, batchIndex, batchSize int) ([]*neo4j.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, cypher, map[string]any{"nodes": rows})
			if err != nil {
				return nil, err
			}
			return res.Collect(ctx)
		})
		if err == nil {
			records, _ := result.([]*neo4j.Record)
			return records, nil
		}
		lastErr = err
		w.logger.Error("neo4j_batch_failed", "job_id", wctx.JobID, "collection", wctx.Collection, "batch_kind", "nodes", "label", label, "batch_index", batchIndex, "batch_size", batchSize, "attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "error", err)
		if attempt >= w.cfg.MaxAttempts {
			break
		}
		if w.cfg.Backoff > 0 {
			time.Sleep(w.cfg.Backoff)
		}
	}
	return nil, lastErr
}

func (w *Writer) executeEdgesWithRetry(ctx context.Context, session neo4j.SessionWithContext, cypher string, rows []map[string]any, wctx WriteContext, key struct{ startLabel, relType, endLabel string }, batchIndex, batchSize int) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, cypher, map[string]any{"edges": rows})
			if err != nil {
				return nil, err
			}
			_, err = res.Consume(ctx)
			return nil, err
		})
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Error("neo4j_batch_failed", "job_id", wctx.JobID, "collection", wctx.Collection, "batch_kind", "edges", "rel_type", key.relType, "label", key.startLabel+"->"+key.endLabel, "batch_index", batchIndex, "batch_size", batchSize, "attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "error", err)
		if attempt >= w.cfg.MaxAttempts {
			break
		}
		if w.cfg.Backoff > 0 {
			time.Sleep(w.cfg.Backoff)
		}
	}
	return lastErr
}

func batchNodes(nodes []model.GraphNode, size int) [][]model.GraphNode {
	var out [][]model.GraphNode
	for i := 0; i < len(nodes); i += size {
		end := i + size
		if end > len(nodes) {
			end = len(nodes)
		}
		out = append(out, nodes[i:end])
	}
	return out
}

func batchEdges(edges []model.GraphEdge, size int) [][]model.GraphEdge {
	var out [][]model.GraphEdge
	for i := 0; i < len(edges); i += size {
		end := i + size
		if end > len(edges) {
			end = len(edges)
		}
		out = append(out, edges[i:end])
	}
	return out
}

func deriveNodeKeyFields(nodes []model.GraphNode) ([]string, error) {
	first := sortedKeys(nodes[0].Key)
	for _, n := range nodes[1:] {
		if !equalStrings(sortedKeys(n.Key), first) {
			return nil, fmt.Errorf("%w: label=%s %v vs %v", ErrInconsistentKeyFields, nodes[0].Label, first, sortedKeys(n.Key))
		}
	}
	return first, nil
}

func deriveEdgeFields(edges []model.GraphEdge) (startFields, endFields []string, err error) {
	first := edges[0]
	startFields = sortedKeys(first.Start.KeyProps)
	endFields = sortedKeys(first.End.KeyProps)
	for _, e := range edges[1:] {
		if !equalStrings(sortedKeys(e.Start.KeyProps), startFields) {
			return nil, nil, fmt.Errorf("%w: start keys for %s", ErrInconsistentKeyFields, first.Type)
		}
		if !equalStrings(sortedKeys(e.End.KeyProps), endFields) {
			return nil, nil, fmt.Errorf("%w: end keys for %s", ErrInconsistentKeyFields, first.Type)
		}
	}
	return startFields, endFields, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func keyHash(k model.NodeKey) string {
	return k.Label + "|" + k.Key
}

func buildNodeRows(chunk []model.GraphNode) ([]map[string]any, map[string]model.NodeKey) {
	rows := make([]map[string]any, 0, len(chunk))
	lookup := make(map[string]model.NodeKey, len(chunk))
	for _, node := range chunk {
		nodeKey := node.NodeKey()
		hash := keyHash(nodeKey)
		keyMap := make(map[string]any, len(node.Key))
		for k, v := range node.Key {
			keyMap[k] = v
		}
		rows = append(rows, map[string]any{
			"key":      keyMap,
			"props":    stripNils(node.Properties),
			"key_hash": hash,
		})
		lookup[hash] = nodeKey
	}
	return rows, lookup
}

func buildEdgeRows(chunk []model.GraphEdge) []map[string]any {
	rows := make([]map[string]any, 0, len(chunk))
	for _, edge := range chunk {
		startMap := make(map[string]any, len(edge.Start.KeyProps))
		for k, v := range edge.Start.KeyProps {
			startMap[k] = v
		}
		endMap := make(map[string]any, len(edge.End.KeyProps))
		for k, v := range edge.End.KeyProps {
			endMap[k] = v
		}
		rows = append(rows, map[string]any{
			"start": startMap,
			"end":   endMap,
			"props": stripNils(edge.Properties),
		})
	}
	return rows
}

// stripNils removes null-valued properties so an upsert never overwrites
// existing values with null.
func stripNils(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func buildMergeNodeCypher(label string, keyFields []string) string {
	clauses := make([]string, len(keyFields))
	for i, f := range keyFields {
		clauses[i] = fmt.Sprintf("%s: row.key.%s", f, f)
	}
	return fmt.Sprintf(
		"UNWIND $nodes AS row MERGE (n:`%s` {%s}) SET n += row.props RETURN row.key_hash AS key_hash, elementId(n) AS element_id",
		label, strings.Join(clauses, ", "),
	)
}

func buildMergeEdgeCypher(startLabel, relType, endLabel string, startFields, endFields []string) string {
	startClauses := make([]string, len(startFields))
	for i, f := range startFields {
		startClauses[i] = fmt.Sprintf("%s: edge.start.%s", f, f)
	}
	endClauses := make([]string, len(endFields))
	for i, f := range endFields {
		endClauses[i] = fmt.Sprintf("%s: edge.end.%s", f, f)
	}
	return fmt.Sprintf(
		"UNWIND $edges AS edge MATCH (s:`%s` {%s}) MATCH (e:`%s` {%s}) MERGE (s)-[r:`%s`]->(e) SET r += edge.props",
		startLabel, strings.Join(startClauses, ", "), endLabel, strings.Join(endClauses, ", "), relType,
	)
}
