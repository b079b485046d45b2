package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// LocalIndex is a brute-force flat inner-product index over L2-normalised
// vectors, persisted as a raw float32 matrix plus a JSON-lines metadata
// sidecar — the same two-file shape as the original FAISS-backed store,
// without requiring a FAISS binding (none of the example repos in this
// pack link one; see DESIGN.md).
type LocalIndex struct {
	dir              string
	dim              int
	ids              []string
	vectors          [][]float32
	metadata         map[string]map[string]any
	indexFilename    string
	metadataFilename string
}

const (
	localIndexFilename    = "index.flat"
	localMetadataFilename = "chunks.jsonl"
)

// NewLocalIndex opens (or prepares to create) a flat index rooted at
// <indexesDir>/<collection>/faiss, using the default index/metadata
// filenames (spec §6's faiss_index_filename/faiss_metadata_filename
// defaults).
func NewLocalIndex(indexesDir, collection string) (*LocalIndex, error) {
	return NewLocalIndexWithFilenames(indexesDir, collection, localIndexFilename, localMetadataFilename)
}

// NewLocalIndexWithFilenames is NewLocalIndex with the on-disk index and
// metadata sidecar filenames overridden, per spec §6's
// faiss_index_filename/faiss_metadata_filename configuration keys. An
// empty argument falls back to the default for that file.
func NewLocalIndexWithFilenames(indexesDir, collection, indexFilename, metadataFilename string) (*LocalIndex, error) {
	if indexFilename == "" {
		indexFilename = localIndexFilename
	}
	if metadataFilename == "" {
		metadataFilename = localMetadataFilename
	}
	dir := filepath.Join(indexesDir, collection, "faiss")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vector: mkdir %s: %w", dir, err)
	}
	idx := &LocalIndex{dir: dir, metadata: map[string]map[string]any{}, indexFilename: indexFilename, metadataFilename: metadataFilename}
	if _, err := os.Stat(filepath.Join(dir, idx.indexFilename)); err == nil {
		if err := idx.load(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (l *LocalIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]int, len(l.ids))
	for i, id := range l.ids {
		byID[id] = i
	}
	for _, rec := range records {
		if l.dim == 0 {
			l.dim = len(rec.Embedding)
		} else if len(rec.Embedding) != l.dim {
			return fmt.Errorf("vector: embedding dim %d does not match index dim %d", len(rec.Embedding), l.dim)
		}
		normalized := normalizeCopy(rec.Embedding)
		payload := rec.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payload["chunk_id"] = rec.ChunkID

		if i, ok := byID[rec.ChunkID]; ok {
			l.vectors[i] = normalized
			l.metadata[rec.ChunkID] = payload
			continue
		}
		byID[rec.ChunkID] = len(l.ids)
		l.ids = append(l.ids, rec.ChunkID)
		l.vectors = append(l.vectors, normalized)
		l.metadata[rec.ChunkID] = payload
	}
	return nil
}

func (l *LocalIndex) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	if len(l.vectors) == 0 {
		return nil, nil
	}
	q := normalizeCopy(query)

	type scored struct {
		idx   int
		score float32
	}
	scores := make([]scored, len(l.vectors))
	for i, v := range l.vectors {
		scores[i] = scored{idx: i, score: dot(q, v)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if topK > len(scores) {
		topK = len(scores)
	}
	out := make([]SearchResult, 0, topK)
	for _, s := range scores[:topK] {
		id := l.ids[s.idx]
		out = append(out, SearchResult{ChunkID: id, Score: s.score, Payload: l.metadata[id]})
	}
	return out, nil
}

// Save writes the raw vector matrix and the chunks.jsonl sidecar,
// ordered the same way as the in-memory id slice so reloading recovers
// identical row->id correspondence.
func (l *LocalIndex) Save(ctx context.Context) error {
	indexPath := filepath.Join(l.dir, l.indexFilename)
	f, err := os.Create(indexPath)
	if err != nil {
		return fmt.Errorf("vector: create %s: %w", indexPath, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header := struct{ Dim, Count int32 }{int32(l.dim), int32(len(l.vectors))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, v := range l.vectors {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	metaPath := filepath.Join(l.dir, l.metadataFilename)
	mf, err := os.Create(metaPath)
	if err != nil {
		return fmt.Errorf("vector: create %s: %w", metaPath, err)
	}
	defer mf.Close()

	mw := bufio.NewWriter(mf)
	for _, id := range l.ids {
		row := l.metadata[id]
		if row == nil {
			row = map[string]any{"chunk_id": id}
		}
		b, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := mw.Write(b); err != nil {
			return err
		}
		if err := mw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return mw.Flush()
}

func (l *LocalIndex) load() error {
	indexPath := filepath.Join(l.dir, l.indexFilename)
	f, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("vector: open %s: %w", indexPath, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header struct{ Dim, Count int32 }
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("vector: read header: %w", err)
	}
	l.dim = int(header.Dim)
	l.vectors = make([][]float32, header.Count)
	for i := range l.vectors {
		v := make([]float32, l.dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("vector: read row %d: %w", i, err)
		}
		l.vectors[i] = v
	}

	metaPath := filepath.Join(l.dir, l.metadataFilename)
	mf, err := os.Open(metaPath)
	if err != nil {
		return fmt.Errorf("vector: open %s: %w", metaPath, err)
	}
	defer mf.Close()

	l.metadata = map[string]map[string]any{}
	l.ids = nil
	scanner := bufio.NewScanner(mf)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("vector: parse metadata line: %w", err)
		}
		chunkID, _ := row["chunk_id"].(string)
		l.ids = append(l.ids, chunkID)
		l.metadata[chunkID] = row
	}
	return scanner.Err()
}

func (l *LocalIndex) Close() error { return nil }

func normalizeCopy(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sumSq == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sumSq)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
