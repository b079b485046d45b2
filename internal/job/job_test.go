package job

import "testing"

func TestNewState_SeedsPending(t *testing.T) {
	s := NewState("job-1", "catalog_refs")
	if s.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", s.Status)
	}
	if s.JobID != "job-1" || s.Collection != "catalog_refs" {
		t.Fatalf("unexpected identity fields: %+v", s)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Fatal("expected CreatedAt/UpdatedAt to be set")
	}
	if s.StartedAt != nil || s.FinishedAt != nil {
		t.Fatal("a fresh state must not have started or finished timestamps")
	}
	if len(s.Errors) != 0 {
		t.Fatalf("expected no errors on a fresh state, got %v", s.Errors)
	}
}
