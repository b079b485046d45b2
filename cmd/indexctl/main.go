// Command indexctl runs one indexing job synchronously against a raw
// document directory already on disk, without going through the upload
// session protocol or the queue. It is meant for ad-hoc reindexing and
// local debugging; cmd/worker is the long-running counterpart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/engine/embed"
	"github.com/onec-graphrag/indexer/engine/graph"
	"github.com/onec-graphrag/indexer/engine/pipeline"
	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/engine/schema"
	"github.com/onec-graphrag/indexer/engine/vector"
	"github.com/onec-graphrag/indexer/internal/job"
)

func main() {
	var (
		rawDir         = flag.String("dir", "", "raw document directory to index (required)")
		collection     = flag.String("collection", "", "collection name (required)")
		jobID          = flag.String("job-id", "", "job id; a fresh one is minted if empty")
		redisURL       = flag.String("redis", "redis://localhost:6379/0", "Redis URL for job state")
		neo4jURL       = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser      = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass      = flag.String("neo4j-pass", "password", "Neo4j password")
		neo4jDatabase  = flag.String("neo4j-database", "neo4j", "Neo4j database name")
		ollamaURL      = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		ollamaModel    = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		qdrantAddr     = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		useQdrant      = flag.Bool("use-qdrant", false, "use Qdrant instead of the local flat index")
		indexesDir     = flag.String("indexes", "/tmp/onec-graphrag/indexes", "local vector index directory")
		ontologyPath   = flag.String("ontology", "schema/ontology.json", "ontology JSON path")
		embedBatchSize = flag.Int("embed-batch-size", 0, "override embedding batch size (0 = default)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *rawDir == "" || *collection == "" {
		fmt.Fprintln(os.Stderr, "indexctl: -dir and -collection are required")
		flag.Usage()
		os.Exit(2)
	}
	if *jobID == "" {
		*jobID = uuid.NewString()
	}

	if err := run(context.Background(), config{
		rawDir:         *rawDir,
		collection:     *collection,
		jobID:          *jobID,
		redisURL:       *redisURL,
		neo4jURL:       *neo4jURL,
		neo4jUser:      *neo4jUser,
		neo4jPass:      *neo4jPass,
		neo4jDatabase:  *neo4jDatabase,
		ollamaURL:      *ollamaURL,
		ollamaModel:    *ollamaModel,
		qdrantAddr:     *qdrantAddr,
		useQdrant:      *useQdrant,
		indexesDir:     *indexesDir,
		ontologyPath:   *ontologyPath,
		embedBatchSize: *embedBatchSize,
	}, logger); err != nil {
		logger.Error("indexctl failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	rawDir         string
	collection     string
	jobID          string
	redisURL       string
	neo4jURL       string
	neo4jUser      string
	neo4jPass      string
	neo4jDatabase  string
	ollamaURL      string
	ollamaModel    string
	qdrantAddr     string
	useQdrant      bool
	indexesDir     string
	ontologyPath   string
	embedBatchSize int
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.neo4jURL, neo4j.BasicAuth(cfg.neo4jUser, cfg.neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}

	validator, err := schema.LoadFile(cfg.ontologyPath, logger)
	if err != nil {
		return fmt.Errorf("load ontology: %w", err)
	}

	embedClient := embed.NewOllamaClient(cfg.ollamaURL, cfg.ollamaModel)
	embedCfg := embed.DefaultConfig()
	if cfg.embedBatchSize > 0 {
		embedCfg.BatchSize = cfg.embedBatchSize
	}

	graphCfg := graph.DefaultConfig()
	graphCfg.Database = cfg.neo4jDatabase

	store := queue.NewStore(redisClient, "graphrag:job")

	pl := pipeline.New(pipeline.Config{
		Validator:     validator,
		EmbedClient:   embedClient,
		EmbedConfig:   embedCfg,
		GraphDriver:   neo4jDriver,
		GraphConfig:   graphCfg,
		IndexesDir:    cfg.indexesDir,
		VectorBackend: vectorBackendFactory(cfg),
	}, store, logger)

	logger.Info("indexctl_run_start", "job_id", cfg.jobID, "collection", cfg.collection, "raw_dir", cfg.rawDir)
	pl.Run(ctx, queue.IndexJob{JobID: cfg.jobID, Collection: cfg.collection, RawPath: cfg.rawDir})

	state, err := store.Get(ctx, cfg.jobID)
	if err != nil {
		return fmt.Errorf("load final job state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("job %s: no state persisted", cfg.jobID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("encode job state: %w", err)
	}
	if state.Status != job.StatusDone {
		return fmt.Errorf("job %s finished with status %s", cfg.jobID, state.Status)
	}
	return nil
}

func vectorBackendFactory(cfg config) pipeline.VectorBackendFactory {
	if cfg.useQdrant {
		return func(ctx context.Context, collection string, dims int) (vector.Index, error) {
			return vector.NewQdrantIndex(ctx, cfg.qdrantAddr, collection, dims)
		}
	}
	return func(ctx context.Context, collection string, dims int) (vector.Index, error) {
		return vector.NewLocalIndex(cfg.indexesDir, collection)
	}
}
