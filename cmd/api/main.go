// Command api exposes the chunked upload-session protocol and job-status
// lookups that feed the indexing worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/engine/upload"
	"github.com/onec-graphrag/indexer/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port                   string
	RedisURL               string
	WorkspaceDir           string
	UploadSessionDirname   string
	UploadSessionBatchSize int
	JobStatePrefix         string
	IndexQueueName         string
	CORSOrigin             string
}

func loadConfig() Config {
	batchSize, _ := strconv.Atoi(envOr("UPLOAD_SESSION_BATCH_SIZE", "50"))
	return Config{
		Port:                   envOr("PORT", "8081"),
		RedisURL:               envOr("REDIS_URL", "redis://localhost:6379/0"),
		WorkspaceDir:           envOr("WORKSPACE_DIR", "/tmp/onec-graphrag/workspace"),
		UploadSessionDirname:   envOr("UPLOAD_SESSION_DIRNAME", ".upload-sessions"),
		UploadSessionBatchSize: batchSize,
		JobStatePrefix:         envOr("JOB_STATE_PREFIX", "graphrag:job"),
		IndexQueueName:         envOr("INDEX_QUEUE_NAME", "graphrag:index-queue"),
		CORSOrigin:             envOr("CORS_ORIGIN", "*"),
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
		logger.Error("server exited with error", "err", err)
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
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}

	store := queue.NewStore(redisClient, cfg.JobStatePrefix)
	q := queue.NewQueue(redisClient, cfg.IndexQueueName)

	session := upload.New(upload.Config{
		SessionsRoot:   filepath.Join(cfg.WorkspaceDir, cfg.UploadSessionDirname),
		WorkspaceDir:   cfg.WorkspaceDir,
		BatchSizeLimit: cfg.UploadSessionBatchSize,
	}, q, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/uploads", handleInit(session))
	mux.HandleFunc("POST /api/uploads/{id}/parts", handlePart(session, logger))
	mux.HandleFunc("POST /api/uploads/{id}/complete", handleComplete(session, logger))
	mux.HandleFunc("GET /api/jobs/{id}", handleJobStatus(store, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("onec-graphrag-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type initRequest struct {
	Collection string `json:"collection"`
}

type initResponse struct {
	UploadID  string `json:"upload_id"`
	BatchSize int    `json:"batch_size"`
}

func handleInit(s *upload.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		id, batchSize, err := s.Init(r.Context(), req.Collection)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(initResponse{UploadID: id, BatchSize: batchSize})
	}
}

const maxPartMemory = 64 << 20 // buffered in memory before multipart spills to temp files

func handlePart(s *upload.Session, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := r.ParseMultipartForm(maxPartMemory); err != nil {
			http.Error(w, `{"error":"invalid multipart body"}`, http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			http.Error(w, `{"error":"no files in batch"}`, http.StatusBadRequest)
			return
		}

		files := make([]upload.File, 0, len(headers))
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				http.Error(w, `{"error":"unreadable file in batch"}`, http.StatusBadRequest)
				return
			}
			defer f.Close()
			files = append(files, upload.File{Name: fh.Filename, Content: f})
		}

		if err := s.Part(r.Context(), id, files); err != nil {
			logger.Error("upload_part_failed", "upload_id", id, "error", err)
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type completeResponse struct {
	JobID string `json:"job_id"`
}

func handleComplete(s *upload.Session, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		jobID, err := s.Complete(r.Context(), id)
		if err != nil {
			logger.Error("upload_complete_failed", "upload_id", id, "error", err)
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completeResponse{JobID: jobID})
	}
}

func handleJobStatus(store *queue.Store, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		state, err := store.Get(r.Context(), id)
		if err != nil {
			logger.Error("job_status_lookup_failed", "job_id", id, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		if state == nil {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)
	}
}
