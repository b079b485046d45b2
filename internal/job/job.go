// Package job holds the JSON-serialisable job state shared by the API,
// the worker, and the pipeline orchestrator.
package job

import "time"

// Status is the lifecycle state of an indexing job.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Stats tracks progress counters mutated throughout one pipeline run.
type Stats struct {
	Phase             string  `json:"phase"`
	TotalFiles        int     `json:"total_files"`
	ProcessedFiles    int     `json:"processed_files"`
	Nodes             int     `json:"nodes"`
	Edges             int     `json:"edges"`
	VectorChunks      int     `json:"vector_chunks"`
	EmbeddedChunks    int     `json:"embedded_chunks"`
	GraphNodesTotal   int     `json:"graph_nodes_total"`
	GraphNodesWritten int     `json:"graph_nodes_written"`
	GraphEdgesTotal   int     `json:"graph_edges_total"`
	GraphEdgesWritten int     `json:"graph_edges_written"`
	DurationSec       float64 `json:"duration_sec"`
}

// Error records one soft document-processing failure.
type Error struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// State is the full persisted record for one indexing job.
type State struct {
	JobID      string     `json:"job_id"`
	Collection string     `json:"collection"`
	Status     Status     `json:"status"`
	Stats      Stats      `json:"stats"`
	Errors     []Error    `json:"errors"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// NewState seeds a fresh PENDING state for a job, e.g. from the upload
// session path.
func NewState(jobID, collection string) *State {
	now := time.Now().UTC()
	return &State{
		JobID:      jobID,
		Collection: collection,
		Status:     StatusPending,
		Stats:      Stats{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
