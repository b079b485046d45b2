package layout

import (
	"path/filepath"
	"testing"
)

func TestRawDir(t *testing.T) {
	got := RawDir("/workspace", "catalog_refs", "job-1")
	want := filepath.Join("/workspace", "catalog_refs", "job-1", "raw")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSessionDir(t *testing.T) {
	got := SessionDir("/workspace/.upload-sessions", "upload-1")
	want := filepath.Join("/workspace/.upload-sessions", "upload-1")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
