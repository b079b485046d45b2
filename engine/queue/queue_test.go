package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/internal/job"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStore_SaveGetRoundTrip(t *testing.T) {
	store := NewStore(newTestClient(t), "test:job")
	ctx := t.Context()

	state := job.NewState("job-1", "catalog_refs")
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.JobID != "job-1" || got.Collection != "catalog_refs" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected Save to stamp UpdatedAt")
	}
}

func TestStore_GetMissReturnsNilNil(t *testing.T) {
	store := NewStore(newTestClient(t), "test:job")
	got, err := store.Get(t.Context(), "does-not-exist")
	if err != nil {
		t.Fatalf("expected no error on miss, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state on miss, got %+v", got)
	}
}

func TestStore_All(t *testing.T) {
	store := NewStore(newTestClient(t), "test:job")
	ctx := t.Context()

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := store.Save(ctx, job.NewState(id, "catalog_refs")); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	states, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
}

func TestQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(newTestClient(t), "test:index-queue")
	ctx := t.Context()

	if err := q.Enqueue(ctx, IndexJob{JobID: "first", Collection: "catalog_refs"}); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := q.Enqueue(ctx, IndexJob{JobID: "second", Collection: "catalog_refs"}); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.JobID != "first" {
		t.Fatalf("expected FIFO order, got %+v", got)
	}
}

func TestQueue_DequeueEmptyReturnsNilNil(t *testing.T) {
	q := NewQueue(newTestClient(t), "test:index-queue")
	got, err := q.Dequeue(t.Context(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected no error on empty dequeue, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil job on empty dequeue, got %+v", got)
	}
}

func TestQueue_ListJobIDs(t *testing.T) {
	q := NewQueue(newTestClient(t), "test:index-queue")
	ctx := t.Context()
	if err := q.Enqueue(ctx, IndexJob{JobID: "job-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := q.ListJobIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !ids["job-1"] {
		t.Fatalf("expected job-1 to be listed, got %v", ids)
	}
}

func TestWorker_RecoverRequeuesPendingJobWithExistingRawDir(t *testing.T) {
	client := newTestClient(t)
	store := NewStore(client, "test:job")
	q := NewQueue(client, "test:index-queue")
	ctx := t.Context()

	workspaceDir := t.TempDir()
	rawDir := filepath.Join(workspaceDir, "catalog_refs", "job-1", "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatalf("mkdir raw dir: %v", err)
	}

	state := job.NewState("job-1", "catalog_refs")
	state.Status = job.StatusRunning
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	worker := NewWorker(q, store, nil, workspaceDir, nil)
	if err := worker.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	ids, err := q.ListJobIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !ids["job-1"] {
		t.Fatal("expected the orphaned running job to be requeued")
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Fatalf("expected status reset to PENDING, got %s", got.Status)
	}
}

func TestWorker_RecoverSkipsOrphanWithMissingRawDir(t *testing.T) {
	client := newTestClient(t)
	store := NewStore(client, "test:job")
	q := NewQueue(client, "test:index-queue")
	ctx := t.Context()

	state := job.NewState("job-gone", "catalog_refs")
	state.Status = job.StatusPending
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	worker := NewWorker(q, store, nil, t.TempDir(), nil)
	if err := worker.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	ids, err := q.ListJobIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ids["job-gone"] {
		t.Fatal("expected a job with no raw directory to stay orphaned, not requeued")
	}
}

func TestWorker_RecoverSkipsAlreadyQueuedJob(t *testing.T) {
	client := newTestClient(t)
	store := NewStore(client, "test:job")
	q := NewQueue(client, "test:index-queue")
	ctx := t.Context()

	workspaceDir := t.TempDir()
	rawDir := filepath.Join(workspaceDir, "catalog_refs", "job-1", "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatalf("mkdir raw dir: %v", err)
	}

	state := job.NewState("job-1", "catalog_refs")
	state.Status = job.StatusPending
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := q.Enqueue(ctx, IndexJob{JobID: "job-1", Collection: "catalog_refs", RawPath: rawDir}); err != nil {
		t.Fatalf("pre-enqueue: %v", err)
	}

	worker := NewWorker(q, store, nil, workspaceDir, nil)
	if err := worker.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	raw, err := client.LRange(ctx, "test:index-queue", 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected recover not to duplicate an already-queued job, got %d entries", len(raw))
	}
}
