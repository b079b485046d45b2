// Package queue provides the Redis-backed job state store and FIFO work
// queue that sit between the upload-session API and the indexing worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/internal/job"
)

// Store persists job.State as JSON under "<prefix>:<job_id>".
type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "graphrag:job"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(jobID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, jobID)
}

// Save writes state, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, state *job.State) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("queue: marshal job state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.JobID), data, 0).Err(); err != nil {
		return fmt.Errorf("queue: save job %s: %w", state.JobID, err)
	}
	return nil
}

// Get returns nil, nil on a miss.
func (s *Store) Get(ctx context.Context, jobID string) (*job.State, error) {
	data, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", jobID, err)
	}
	var state job.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", jobID, err)
	}
	return &state, nil
}

// All scans the prefix and returns every known job state. Used by worker
// startup recovery; it is not expected to run against a hot path.
func (s *Store) All(ctx context.Context) ([]*job.State, error) {
	var states []*job.State
	var cursor uint64
	pattern := s.prefix + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: scan job states: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var state job.State
			if err := json.Unmarshal(data, &state); err != nil {
				continue
			}
			states = append(states, &state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return states, nil
}
