// Package upload implements the chunked upload-session protocol that
// seeds indexing jobs: a client opens a session, streams one or more
// batches of files into it, then completes it, which moves the files
// into the job's raw directory and enqueues the job.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/internal/job"
	"github.com/onec-graphrag/indexer/internal/layout"
)

var collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Status is the upload session's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusFinalizing Status = "finalizing"
	StatusClosed     Status = "closed"
)

// Meta is the JSON document persisted as meta.json inside a session dir.
type Meta struct {
	UploadID     string    `json:"upload_id"`
	Collection   string    `json:"collection"`
	Status       Status    `json:"status"`
	Files        []string  `json:"files"`
	Segments     []int     `json:"segments"`
	TotalFiles   int       `json:"total_files"`
	JobID        string    `json:"job_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

// File is one uploaded file's content, as presented by the transport
// layer (HTTP multipart, gRPC stream, etc).
type File struct {
	Name    string
	Content io.Reader
}

// Config bundles session limits and the directories the protocol writes
// under.
type Config struct {
	SessionsRoot   string
	WorkspaceDir   string
	BatchSizeLimit int
}

// Session manages one upload session's on-disk state.
type Session struct {
	cfg   Config
	queue *queue.Queue
	store *queue.Store
}

func New(cfg Config, q *queue.Queue, store *queue.Store) *Session {
	return &Session{cfg: cfg, queue: q, store: store}
}

// Init opens a new session for collection, returning (upload_id, batch_size).
func (s *Session) Init(ctx context.Context, collection string) (string, int, error) {
	if !collectionPattern.MatchString(collection) {
		return "", 0, fmt.Errorf("upload: invalid collection name %q", collection)
	}
	id, err := randomHexID(16)
	if err != nil {
		return "", 0, fmt.Errorf("upload: generate session id: %w", err)
	}

	dir := layout.SessionDir(s.cfg.SessionsRoot, id)
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return "", 0, fmt.Errorf("upload: create session dir: %w", err)
	}

	meta := Meta{
		UploadID:   id,
		Collection: collection,
		Status:     StatusOpen,
		Files:      []string{},
		Segments:   []int{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.writeMeta(dir, meta); err != nil {
		return "", 0, err
	}
	return id, s.cfg.BatchSizeLimit, nil
}

// Part streams one batch of files into the session's tmp directory.
func (s *Session) Part(ctx context.Context, uploadID string, files []File) error {
	dir := layout.SessionDir(s.cfg.SessionsRoot, uploadID)
	meta, err := s.readMeta(dir)
	if err != nil {
		return err
	}
	if meta.Status != StatusOpen {
		return fmt.Errorf("upload: session %s is not open", uploadID)
	}
	if len(files) == 0 {
		return errors.New("upload: batch must contain at least one file")
	}
	if s.cfg.BatchSizeLimit > 0 && len(files) > s.cfg.BatchSizeLimit {
		return fmt.Errorf("upload: batch of %d files exceeds limit %d", len(files), s.cfg.BatchSizeLimit)
	}

	existing := make(map[string]bool, len(meta.Files))
	for _, f := range meta.Files {
		existing[f] = true
	}

	rels := make([]string, len(files))
	for i, f := range files {
		rel, err := safeRelativePath(f.Name)
		if err != nil {
			return fmt.Errorf("upload: %s: %w", f.Name, err)
		}
		if !loader.AllowedExtensions[strings.ToLower(path.Ext(rel))] {
			return fmt.Errorf("upload: %s: extension not allowed", rel)
		}
		if existing[rel] {
			return fmt.Errorf("upload: duplicate file %s", rel)
		}
		for _, seen := range rels[:i] {
			if seen == rel {
				return fmt.Errorf("upload: duplicate file %s in batch", rel)
			}
		}
		target := filepath.Join(dir, "tmp", filepath.FromSlash(rel))
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("upload: %s already exists on disk", rel)
		}
		rels[i] = rel
	}

	written := make([]string, 0, len(files))
	rollback := func() {
		for _, rel := range written {
			os.Remove(filepath.Join(dir, "tmp", filepath.FromSlash(rel)))
		}
	}

	for i, f := range files {
		target := filepath.Join(dir, "tmp", filepath.FromSlash(rels[i]))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			rollback()
			return fmt.Errorf("upload: mkdir for %s: %w", rels[i], err)
		}
		out, err := os.Create(target)
		if err != nil {
			rollback()
			return fmt.Errorf("upload: create %s: %w", rels[i], err)
		}
		_, copyErr := io.Copy(out, f.Content)
		out.Close()
		if copyErr != nil {
			rollback()
			return fmt.Errorf("upload: write %s: %w", rels[i], copyErr)
		}
		written = append(written, rels[i])
	}

	meta.Files = append(meta.Files, rels...)
	meta.Segments = append(meta.Segments, len(rels))
	if err := s.writeMeta(dir, meta); err != nil {
		rollback()
		return err
	}
	return nil
}

// Complete advances the session to closed, moves every staged file into
// the job's raw directory, seeds a PENDING job.State, and enqueues the
// IndexJob.
func (s *Session) Complete(ctx context.Context, uploadID string) (string, error) {
	dir := layout.SessionDir(s.cfg.SessionsRoot, uploadID)
	meta, err := s.readMeta(dir)
	if err != nil {
		return "", err
	}
	if meta.Status != StatusOpen {
		return "", fmt.Errorf("upload: session %s is not open", uploadID)
	}
	if len(meta.Files) == 0 {
		return "", errors.New("upload: session has no files")
	}

	meta.Status = StatusFinalizing
	if err := s.writeMeta(dir, meta); err != nil {
		return "", err
	}

	jobID, err := randomHexID(16)
	if err != nil {
		return "", fmt.Errorf("upload: generate job id: %w", err)
	}
	rawDir := layout.RawDir(s.cfg.WorkspaceDir, meta.Collection, jobID)

	moved := 0
	for _, rel := range meta.Files {
		src := filepath.Join(dir, "tmp", filepath.FromSlash(rel))
		dst := filepath.Join(rawDir, filepath.FromSlash(rel))
		if _, err := os.Stat(src); err != nil {
			return "", fmt.Errorf("upload: source %s missing: %w", rel, err)
		}
		if _, err := os.Stat(dst); err == nil {
			return "", fmt.Errorf("upload: target %s already exists", rel)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("upload: mkdir for %s: %w", rel, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("upload: move %s: %w", rel, err)
		}
		moved++
	}

	meta.Status = StatusClosed
	meta.JobID = jobID
	meta.TotalFiles = moved
	meta.CompletedAt = time.Now().UTC()
	if err := s.writeMeta(dir, meta); err != nil {
		return "", err
	}

	state := job.NewState(jobID, meta.Collection)
	state.Stats.TotalFiles = moved
	if err := s.store.Save(ctx, state); err != nil {
		return "", fmt.Errorf("upload: save job state: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.IndexJob{JobID: jobID, Collection: meta.Collection, RawPath: rawDir}); err != nil {
		return "", fmt.Errorf("upload: enqueue job: %w", err)
	}

	os.RemoveAll(dir)
	return jobID, nil
}

func (s *Session) readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return Meta{}, fmt.Errorf("upload: read session meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("upload: parse session meta: %w", err)
	}
	return meta, nil
}

func (s *Session) writeMeta(dir string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("upload: marshal session meta: %w", err)
	}
	tmp := filepath.Join(dir, "meta.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("upload: write session meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "meta.json")); err != nil {
		return fmt.Errorf("upload: commit session meta: %w", err)
	}
	return nil
}

// safeRelativePath normalises an uploaded filename into a safe relative
// path: backslashes become slashes, a leading slash is stripped, and any
// ".." or empty path component is rejected.
func safeRelativePath(name string) (string, error) {
	clean := strings.ReplaceAll(name, "\\", "/")
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		return "", errors.New("empty filename")
	}
	parts := strings.Split(clean, "/")
	for _, part := range parts {
		if part == "" || part == ".." {
			return "", fmt.Errorf("unsafe path component in %q", name)
		}
	}
	if parts[len(parts)-1] == "" {
		return "", fmt.Errorf("empty basename in %q", name)
	}
	return strings.Join(parts, "/"), nil
}

func randomHexID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
