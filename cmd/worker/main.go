// Command worker dequeues indexing jobs and runs them through the
// pipeline against Neo4j, the embedding backend, and the vector index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/engine/embed"
	"github.com/onec-graphrag/indexer/engine/graph"
	"github.com/onec-graphrag/indexer/engine/pipeline"
	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/engine/schema"
	"github.com/onec-graphrag/indexer/engine/vector"
)

// Config holds all environment-based configuration.
type Config struct {
	RedisURL               string
	Neo4jURL               string
	Neo4jUser              string
	Neo4jPass              string
	Neo4jDatabase          string
	OllamaURL              string
	OllamaModel            string
	QdrantAddr             string
	WorkspaceDir           string
	IndexesDir             string
	OntologyPath           string
	JobStatePrefix         string
	IndexQueueName         string
	UseQdrant              bool
	EmbedBatchSize         int
	EmbeddingRetryAttempts int
	EmbeddingRetryBackoff  time.Duration
	Neo4jNodeBatchSize     int
	Neo4jEdgeBatchSize     int
	Neo4jWriteMaxAttempts  int
	Neo4jWriteBackoffSec   int
	FaissIndexFilename     string
	FaissMetadataFilename  string
	NatsURL                string
}

func loadConfig() Config {
	useQdrant, _ := strconv.ParseBool(envOr("USE_QDRANT", "false"))
	batchSize, _ := strconv.Atoi(envOr("EMBED_BATCH_SIZE", "64"))
	embeddingRetryAttempts, _ := strconv.Atoi(envOr("EMBEDDING_RETRY_ATTEMPTS", "5"))
	embeddingRetryBackoffSec, _ := strconv.Atoi(envOr("EMBEDDING_RETRY_BACKOFF", "2"))
	neo4jNodeBatchSize, _ := strconv.Atoi(envOr("NEO4J_NODE_BATCH_SIZE", "500"))
	neo4jEdgeBatchSize, _ := strconv.Atoi(envOr("NEO4J_EDGE_BATCH_SIZE", "500"))
	neo4jWriteMaxAttempts, _ := strconv.Atoi(envOr("NEO4J_WRITE_MAX_ATTEMPTS", "3"))
	neo4jWriteBackoffSec, _ := strconv.Atoi(envOr("NEO4J_WRITE_BACKOFF_SEC", "1"))
	return Config{
		RedisURL:               envOr("REDIS_URL", "redis://localhost:6379/0"),
		Neo4jURL:               envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:              envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:              envOr("NEO4J_PASS", "password"),
		Neo4jDatabase:          envOr("NEO4J_DATABASE", "neo4j"),
		OllamaURL:              envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:            envOr("OLLAMA_MODEL", "nomic-embed-text"),
		QdrantAddr:             envOr("QDRANT_URL", "localhost:6334"),
		WorkspaceDir:           envOr("WORKSPACE_DIR", "/tmp/onec-graphrag/workspace"),
		IndexesDir:             envOr("INDEXES_DIR", "/tmp/onec-graphrag/indexes"),
		OntologyPath:           envOr("ONTOLOGY_PATH", "schema/ontology.json"),
		JobStatePrefix:         envOr("JOB_STATE_PREFIX", "graphrag:job"),
		IndexQueueName:         envOr("INDEX_QUEUE_NAME", "graphrag:index-queue"),
		UseQdrant:              useQdrant,
		EmbedBatchSize:         batchSize,
		EmbeddingRetryAttempts: embeddingRetryAttempts,
		EmbeddingRetryBackoff:  time.Duration(embeddingRetryBackoffSec) * time.Second,
		Neo4jNodeBatchSize:     neo4jNodeBatchSize,
		Neo4jEdgeBatchSize:     neo4jEdgeBatchSize,
		Neo4jWriteMaxAttempts:  neo4jWriteMaxAttempts,
		Neo4jWriteBackoffSec:   neo4jWriteBackoffSec,
		FaissIndexFilename:     envOr("FAISS_INDEX_FILENAME", ""),
		FaissMetadataFilename:  envOr("FAISS_METADATA_FILENAME", ""),
		NatsURL:                envOr("NATS_URL", nats.DefaultURL),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	logger.Info("connected to Neo4j")

	validator, err := schema.LoadFile(cfg.OntologyPath, logger)
	if err != nil {
		return fmt.Errorf("load ontology: %w", err)
	}

	embedClient := embed.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
	embedCfg := embed.DefaultConfig()
	if cfg.EmbedBatchSize > 0 {
		embedCfg.BatchSize = cfg.EmbedBatchSize
	}
	if cfg.EmbeddingRetryAttempts > 0 {
		embedCfg.MaxAttempts = cfg.EmbeddingRetryAttempts
	}
	if cfg.EmbeddingRetryBackoff > 0 {
		embedCfg.Backoff = cfg.EmbeddingRetryBackoff
	}

	graphCfg := graph.DefaultConfig()
	graphCfg.Database = cfg.Neo4jDatabase
	if cfg.Neo4jNodeBatchSize > 0 {
		graphCfg.NodeBatchSize = cfg.Neo4jNodeBatchSize
	}
	if cfg.Neo4jEdgeBatchSize > 0 {
		graphCfg.EdgeBatchSize = cfg.Neo4jEdgeBatchSize
	}
	if cfg.Neo4jWriteMaxAttempts > 0 {
		graphCfg.MaxAttempts = cfg.Neo4jWriteMaxAttempts
	}
	if cfg.Neo4jWriteBackoffSec > 0 {
		graphCfg.Backoff = time.Duration(cfg.Neo4jWriteBackoffSec) * time.Second
	}

	backend := vectorBackendFactory(cfg)

	store := queue.NewStore(redisClient, cfg.JobStatePrefix)
	q := queue.NewQueue(redisClient, cfg.IndexQueueName)

	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Warn("nats connect failed, job-lifecycle events disabled", "error", err)
		natsConn = nil
	} else {
		defer natsConn.Close()
	}

	pl := pipeline.New(pipeline.Config{
		Validator:     validator,
		EmbedClient:   embedClient,
		EmbedConfig:   embedCfg,
		GraphDriver:   neo4jDriver,
		GraphConfig:   graphCfg,
		IndexesDir:    cfg.IndexesDir,
		VectorBackend: backend,
		NatsConn:      natsConn,
	}, store, logger)

	worker := queue.NewWorker(q, store, pl, cfg.WorkspaceDir, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		worker.Stop()
	}()

	logger.Info("worker starting")
	return worker.Run(ctx)
}

func vectorBackendFactory(cfg Config) pipeline.VectorBackendFactory {
	if cfg.UseQdrant {
		return func(ctx context.Context, collection string, dims int) (vector.Index, error) {
			return vector.NewQdrantIndex(ctx, cfg.QdrantAddr, collection, dims)
		}
	}
	return func(ctx context.Context, collection string, dims int) (vector.Index, error) {
		return vector.NewLocalIndexWithFilenames(cfg.IndexesDir, collection, cfg.FaissIndexFilename, cfg.FaissMetadataFilename)
	}
}
