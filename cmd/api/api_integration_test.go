//go:build integration

package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onec-graphrag/indexer/engine/queue"
	"github.com/onec-graphrag/indexer/engine/upload"
)

func newTestBackends(t *testing.T) (*upload.Session, *queue.Store, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := queue.NewStore(client, "test:job")
	q := queue.NewQueue(client, "test:index-queue")

	session := upload.New(upload.Config{
		SessionsRoot:   filepath.Join(t.TempDir(), "sessions"),
		WorkspaceDir:   t.TempDir(),
		BatchSizeLimit: 10,
	}, q, store)
	return session, store, q
}

func newTestSession(t *testing.T) *upload.Session {
	t.Helper()
	session, _, _ := newTestBackends(t)
	return session
}

func newMultipartBody(t *testing.T, fieldName, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf, w.FormDataContentType()
}

func TestAPI_HealthEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", resp["status"])
	}
}

func TestAPI_UploadLifecycle(t *testing.T) {
	session := newTestSession(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", handleInit(session))
	mux.HandleFunc("POST /api/uploads/{id}/parts", handlePart(session, nil))
	mux.HandleFunc("POST /api/uploads/{id}/complete", handleComplete(session, nil))

	initBody, _ := json.Marshal(initRequest{Collection: "1c_erp_ut"})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(initBody))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var initResp initResponse
	if err := json.NewDecoder(w.Body).Decode(&initResp); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	if initResp.UploadID == "" {
		t.Fatal("expected non-empty upload_id")
	}

	body, contentType := newMultipartBody(t, "files", "CommonModule.Module.bsl", []byte("Процедура Тест() КонецПроцедуры"))
	req = httptest.NewRequest(http.MethodPost, "/api/uploads/"+initResp.UploadID+"/parts", body)
	req.Header.Set("Content-Type", contentType)
	req.SetPathValue("id", initResp.UploadID)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("part: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads/"+initResp.UploadID+"/complete", nil)
	req.SetPathValue("id", initResp.UploadID)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var completeResp completeResponse
	if err := json.NewDecoder(w.Body).Decode(&completeResp); err != nil {
		t.Fatalf("decode complete response: %v", err)
	}
	if completeResp.JobID == "" {
		t.Fatal("expected non-empty job_id")
	}
}

func TestAPI_UploadInit_InvalidCollection(t *testing.T) {
	session := newTestSession(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", handleInit(session))

	initBody, _ := json.Marshal(initRequest{Collection: "bad collection name!"})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(initBody))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
