package metrics

import (
	"testing"

	"github.com/agentorch/agentorch/internal/common/logger"
)

func TestRecordAndRecent(t *testing.T) {
	rec := NewRecorder(logger.Default())
	rec.RegisterProject("my-app", t.TempDir())

	rec.RecordTransition("my-app", "app-1", "working", "ci_failed", "ci.failing", "ci-failed")
	rec.RecordTransition("my-app", "app-1", "ci_failed", "working", "session.working", "")
	rec.RecordTransition("my-app", "app-2", "spawning", "working", "session.working", "")

	all, err := rec.Recent("my-app", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("transitions = %d, want 3", len(all))
	}
	if all[0].To != "ci_failed" || all[0].ReactionKey != "ci-failed" {
		t.Errorf("first = %+v, want ci_failed/ci-failed", all[0])
	}

	last, err := rec.Recent("my-app", 1)
	if err != nil {
		t.Fatalf("Recent(1): %v", err)
	}
	if len(last) != 1 || last[0].SessionID != "app-2" {
		t.Errorf("last = %+v, want app-2 entry", last)
	}
}

func TestUnregisteredProjectIsSilentlyDropped(t *testing.T) {
	rec := NewRecorder(logger.Default())

	// must not panic or create files anywhere
	rec.RecordTransition("ghost", "g-1", "working", "merged", "merge.completed", "")

	if _, err := rec.Recent("ghost", 10); err == nil {
		t.Error("Recent on unregistered project should error")
	}
}

func TestRecentOnEmptyLog(t *testing.T) {
	rec := NewRecorder(logger.Default())
	rec.RegisterProject("my-app", t.TempDir())

	got, err := rec.Recent("my-app", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("transitions = %d, want 0", len(got))
	}
}
