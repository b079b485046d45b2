// Package embed batches chunk texts into fixed-size groups and computes
// L2-normalisable embeddings through a pluggable remote client, retrying
// each batch with linear backoff and streaming progress per batch.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/onec-graphrag/indexer/pkg/fn"
	"github.com/onec-graphrag/indexer/pkg/resilience"
)

// Client is the embedding-service seam: batched text-to-vector, opaque
// model name configured externally.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config mirrors the original embedding client's defaults: batch size 64,
// five retry attempts, linear backoff of backoff*attempt, a client-side
// rate limit of 5 batches/sec (burst 5), and a breaker that opens for 30s
// after 5 consecutive failed client calls (each retry attempt is one call).
type Config struct {
	BatchSize     int
	MaxAttempts   int
	Backoff       time.Duration
	RateLimit     float64 // batches/sec; 0 or less means the default
	RateBurst     int
	BreakerFails  int
	BreakerWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     64,
		MaxAttempts:   5,
		Backoff:       2 * time.Second,
		RateLimit:     5,
		RateBurst:     5,
		BreakerFails:  5,
		BreakerWindow: 30 * time.Second,
	}
}

// Batcher drives Client in fixed-size batches, in order, pacing requests
// through a token bucket and short-circuiting via a circuit breaker once
// the embedding backend looks consistently down.
type Batcher struct {
	client  Client
	cfg     Config
	logger  *slog.Logger
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

func New(client Client, cfg Config, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.BreakerFails <= 0 {
		cfg.BreakerFails = def.BreakerFails
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = def.BreakerWindow
	}
	return &Batcher{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateLimit, Burst: cfg.RateBurst}),
		breaker: resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: cfg.BreakerFails, Timeout: cfg.BreakerWindow}),
	}
}

// Run embeds every text in order, calling onBatch after each batch
// succeeds so the orchestrator can advance embedded_chunks. The returned
// slice preserves input order (batch outputs are concatenated in the
// order they were requested).
func (b *Batcher) Run(ctx context.Context, texts []string, onBatch func(batchSize int)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := b.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, vectors...)
		if onBatch != nil {
			onBatch(len(vectors))
		}
	}
	return out, nil
}

// callStage is one unretried batch embedding call, expressed as an
// fn.Stage so it composes with the Stage-based resilience wrappers: paced
// through the client-side token bucket (blocking, matching the original
// limiter.Wait semantics) and guarded by the circuit breaker.
func (b *Batcher) callStage() fn.Stage[[]string, [][]float32] {
	call := func(ctx context.Context, batch []string) fn.Result[[][]float32] {
		vectors, err := b.client.Embed(ctx, batch)
		if err != nil {
			return fn.Err[[][]float32](err)
		}
		return fn.Ok(vectors)
	}
	return resilience.LimiterStageWait(b.limiter, resilience.BreakerStage(b.breaker, call))
}

// embedWithRetry retries callStage with linear backoff (backoff*attempt),
// matching the original embedding client's behaviour exactly rather than
// pkg/fn's exponential Retry.
func (b *Batcher) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	stage := b.callStage()
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		vectors, err := stage(ctx, batch).Unwrap()
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		b.logger.Error("embedding_batch_failed", "attempt", attempt, "max_attempts", b.cfg.MaxAttempts, "error", err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		if attempt >= b.cfg.MaxAttempts {
			break
		}
		sleepFor := b.cfg.Backoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepFor):
		}
	}
	return nil, lastErr
}

// Normalize L2-normalises a vector in place, returning the zero vector if
// its norm is zero (matching the vector index builder's convention).
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
