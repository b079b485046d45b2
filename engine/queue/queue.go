package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IndexJob is the unit of work a worker pops off the queue.
type IndexJob struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	RawPath    string `json:"raw_path"`
}

// Queue is a durable FIFO of IndexJobs: enqueue pushes right, dequeue
// blocks-pops left.
type Queue struct {
	client *redis.Client
	name   string
}

func NewQueue(client *redis.Client, name string) *Queue {
	if name == "" {
		name = "graphrag:index-queue"
	}
	return &Queue{client: client, name: name}
}

func (q *Queue) Enqueue(ctx context.Context, j IndexJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", j.JobID, err)
	}
	if err := q.client.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", j.JobID, err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for a job, returning (nil, nil) on
// an empty wait.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*IndexJob, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	var j IndexJob
	if err := json.Unmarshal([]byte(result[1]), &j); err != nil {
		return nil, fmt.Errorf("queue: unmarshal dequeued job: %w", err)
	}
	return &j, nil
}

// ListJobIDs returns the job_ids currently queued, without removing them.
func (q *Queue) ListJobIDs(ctx context.Context) (map[string]bool, error) {
	raw, err := q.client.LRange(ctx, q.name, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list queued jobs: %w", err)
	}
	ids := make(map[string]bool, len(raw))
	for _, payload := range raw {
		var j IndexJob
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			continue
		}
		ids[j.JobID] = true
	}
	return ids, nil
}
