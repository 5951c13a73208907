package teammemory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordAndRecall(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i, sum := range []string{"added healthcheck", "fixed flaky test", "bumped deps"} {
		id := []string{"task-1", "task-2", "task-3"}[i]
		if err := s.RecordCompletion(ctx, id, "default", sum); err != nil {
			t.Fatalf("RecordCompletion: %v", err)
		}
	}
	if err := s.RecordCompletion(ctx, "task-9", "other", "unrelated"); err != nil {
		t.Fatal(err)
	}

	lines, err := s.RecentContext(ctx, "default", 2)
	if err != nil {
		t.Fatalf("RecentContext: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	// Chronological: the two most recent, oldest first.
	if !strings.Contains(lines[0], "task-2") || !strings.Contains(lines[1], "task-3") {
		t.Errorf("lines = %v", lines)
	}
	for _, l := range lines {
		if strings.Contains(l, "unrelated") {
			t.Errorf("cross-repo leak: %q", l)
		}
	}
}

func TestRecentContextEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	lines, err := s.RecentContext(context.Background(), "default", 5)
	if err != nil {
		t.Fatalf("RecentContext: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines, got %v", lines)
	}
}
