// Package layout centralises the on-disk directory conventions shared by
// the upload-session protocol, the worker's startup recovery, and the
// loader, so all three agree on where a job's raw documents live.
package layout

import "path/filepath"

// RawDir is "<workspace>/<collection>/<job_id>/raw", the directory the
// loader walks for one job.
func RawDir(workspaceDir, collection, jobID string) string {
	return filepath.Join(workspaceDir, collection, jobID, "raw")
}

// SessionDir is "<sessionsRoot>/<upload_id>", the scratch area for one
// in-progress upload session.
func SessionDir(sessionsRoot, uploadID string) string {
	return filepath.Join(sessionsRoot, uploadID)
}
