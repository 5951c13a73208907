package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/store"
	"github.com/nextlevelbuilder/talon/internal/task"
	"github.com/nextlevelbuilder/talon/internal/worktree"
)

// scriptEngine drives workers from a test-controlled function.
type scriptEngine struct {
	mu sync.Mutex
	fn func(in bus.EngineInput) (string, error)
}

func (e *scriptEngine) Complete(ctx context.Context, in bus.EngineInput) (string, error) {
	e.mu.Lock()
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return `{"summary":"ok","state":"done"}`, nil
	}
	return fn(in)
}

func (e *scriptEngine) Ping(context.Context) bool { return true }

func initTestRepo(t *testing.T) config.RepoConfig {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "seed")
	return config.RepoConfig{ID: "default", Path: dir, DefaultBranch: "main", Default: true}
}

func testOrchestrator(t *testing.T, cfg Config, eng *scriptEngine, opts ...Option) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	wt, err := worktree.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("worktree.NewManager: %v", err)
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 2
	}
	o, err := New(cfg, st, eng, wt, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o, st
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want task.Status) *task.Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := o.Get(id); ok && rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := o.Get(id)
	t.Fatalf("task %s never reached %s; now %+v", id, want, rec)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	repo := initTestRepo(t)
	eng := &scriptEngine{fn: func(in bus.EngineInput) (string, error) {
		return `{"summary":"implemented the widget","state":"done"}`, nil
	}}
	o, st := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, AutoCleanup: true}, eng)

	rec, err := o.Submit(task.SubmitRequest{Text: "build the widget", Source: task.SourceOperator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.ID != "task-1" || rec.RepoID != "default" {
		t.Errorf("record = %+v", rec)
	}
	if rec.AssignedSession == "" {
		t.Error("no deterministic assignment")
	}

	final := waitStatus(t, o, rec.ID, task.StatusDone)
	if a := final.LatestArtifact(task.ArtifactSummary); a == nil || a.Text != "implemented the widget" {
		t.Errorf("summary artifact = %+v", a)
	}
	if a := final.LatestArtifact(task.ArtifactLauncher); a == nil || a.Branch != "talon/task-1" {
		t.Errorf("launcher artifact = %+v", a)
	}

	// Snapshot reflects the terminal state.
	snap, err := task.LoadSnapshot(st)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Status != task.StatusDone {
		t.Errorf("snapshot = %+v", snap.Tasks)
	}
}

func TestAutoCommitRecordsSHA(t *testing.T) {
	repo := initTestRepo(t)
	eng := &scriptEngine{fn: func(in bus.EngineInput) (string, error) {
		// The engine does its work inside the worktree.
		wtPath := in.Metadata["worktreePath"]
		if err := os.WriteFile(filepath.Join(wtPath, "feature.go"), []byte("package feature\n"), 0o644); err != nil {
			return "", err
		}
		return `{"summary":"added feature","state":"done","commitMessage":"add feature scaffold"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, AutoCommit: true}, eng)

	rec, err := o.Submit(task.SubmitRequest{Text: "add feature", Source: task.SourceOperator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitStatus(t, o, rec.ID, task.StatusDone)

	if a := final.LatestArtifact(task.ArtifactFileChanges); a == nil || len(a.FilesChanged) == 0 {
		t.Errorf("file_changes artifact = %+v", a)
	}
	commit := final.LatestArtifact(task.ArtifactGitCommit)
	if commit == nil || len(commit.CommitSHA) != 40 {
		t.Errorf("git_commit artifact = %+v", commit)
	}
}

func TestRetryThenFailureWithEscalation(t *testing.T) {
	repo := initTestRepo(t)
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		return "", errors.New("engine exploded")
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxRetries: 1}, eng)

	rec, err := o.Submit(task.SubmitRequest{Text: "doomed", Source: task.SourceOperator})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitStatus(t, o, rec.ID, task.StatusFailed)

	if final.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", final.RetryCount)
	}
	if !final.EscalationRequired {
		t.Error("escalationRequired not set")
	}
	var sawRetry bool
	for _, ev := range final.Events {
		if ev.Kind == "retry_scheduled" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Error("no retry_scheduled event")
	}
}

func TestFanoutParentRollsUpDone(t *testing.T) {
	repo := initTestRepo(t)
	eng := &scriptEngine{}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, AutoCleanup: true}, eng)

	parent, err := o.Submit(task.SubmitRequest{
		Text:   "release prep",
		Source: task.SourceOperator,
		Fanout: []string{"child A", "child B"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(parent.Children) != 2 || parent.Status != task.StatusBlocked {
		t.Fatalf("parent = %+v", parent)
	}

	final := waitStatus(t, o, parent.ID, task.StatusDone)
	a := final.LatestArtifact(task.ArtifactSummary)
	if a == nil || a.Text != "All 2 child tasks completed." {
		t.Errorf("rollup summary = %+v", a)
	}
}

func TestFanoutParentFailsWhenChildFails(t *testing.T) {
	repo := initTestRepo(t)
	eng := &scriptEngine{fn: func(in bus.EngineInput) (string, error) {
		if in.Metadata["taskId"] == "task-3" {
			return "", errors.New("child exploded")
		}
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxRetries: 0}, eng)

	parent, err := o.Submit(task.SubmitRequest{
		Text:   "release prep",
		Source: task.SourceOperator,
		Fanout: []string{"good child", "bad child"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitStatus(t, o, parent.ID, task.StatusFailed)
	if !final.EscalationRequired {
		t.Error("escalationRequired not set on parent")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	repo := initTestRepo(t)
	block := make(chan struct{})
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		<-block
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, eng)

	first, err := o.Submit(task.SubmitRequest{Text: "occupies the slot", Source: task.SourceOperator})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Submit(task.SubmitRequest{Text: "stays queued", Source: task.SourceOperator})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, first.ID, task.StatusRunning)

	if err := o.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := o.Get(second.ID)
	if rec.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	close(block)
	waitStatus(t, o, first.ID, task.StatusDone)
}

func TestConcurrencyBound(t *testing.T) {
	repo := initTestRepo(t)
	block := make(chan struct{})
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		<-block
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, eng)

	for i := 0; i < 3; i++ {
		if _, err := o.Submit(task.SubmitRequest{Text: fmt.Sprintf("job %d", i), Source: task.SourceOperator}); err != nil {
			t.Fatal(err)
		}
	}
	waitStatus(t, o, "task-1", task.StatusRunning)
	if n := len(o.RunningIDs()); n != 1 {
		t.Errorf("running = %d, want 1", n)
	}
	close(block)
	waitStatus(t, o, "task-3", task.StatusDone)
}

func TestCrashRecoveryRequeuesRunning(t *testing.T) {
	repo := initTestRepo(t)
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	interrupted := &task.Record{
		ID: "task-7", Text: "interrupted work", RepoID: "default",
		Status: task.StatusRunning, Source: task.SourceOperator,
		Artifacts: []task.Artifact{}, Events: []task.Event{},
		CreatedAt: now, UpdatedAt: now, StartedAt: &now,
	}
	if err := task.SaveSnapshot(st, []*task.Record{interrupted}); err != nil {
		t.Fatal(err)
	}

	wt, err := worktree.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		<-block
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, err := New(Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, st, eng, wt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	rec, ok := o.Get("task-7")
	if !ok {
		t.Fatal("recovered task missing")
	}
	var recovered bool
	for _, ev := range rec.Events {
		if ev.Kind == "recovered" {
			recovered = true
		}
	}
	if !recovered {
		t.Errorf("no recovered event: %+v", rec.Events)
	}
}

func TestRecoveryRequeuesInSubmissionOrder(t *testing.T) {
	repo := initTestRepo(t)
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	mk := func(id, text string) *task.Record {
		return &task.Record{
			ID: id, Text: text, RepoID: "default",
			Status: task.StatusQueued, Source: task.SourceOperator,
			Artifacts: []task.Artifact{}, Events: []task.Event{},
			CreatedAt: now, UpdatedAt: now,
		}
	}
	// Ids past single digits: submission order is numeric, not lexical.
	if err := task.SaveSnapshot(st, []*task.Record{mk("task-10", "late"), mk("task-2", "early")}); err != nil {
		t.Fatal(err)
	}

	wt, err := worktree.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		<-block
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, err := New(Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, st, eng, wt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	waitStatus(t, o, "task-2", task.StatusRunning)
	rec, _ := o.Get("task-10")
	if rec.Status != task.StatusQueued {
		t.Errorf("task-10 = %s while task-2 runs, want queued", rec.Status)
	}
}

// countingFeed tallies broadcast events per task id.
type countingFeed struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *countingFeed) Broadcast(ev bus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ""
	if rec, ok := ev.Payload.(*task.Record); ok {
		id = rec.ID
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[ev.Name+"/"+id]++
}

func (f *countingFeed) count(name, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name+"/"+id]
}

func TestTaskFinishedPublishedOncePerTerminalTask(t *testing.T) {
	repo := initTestRepo(t)
	feed := &countingFeed{}
	block := make(chan struct{})
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		<-block
		return `{"summary":"ok","state":"done"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, eng, WithEvents(feed))

	first, err := o.Submit(task.SubmitRequest{Text: "runs to completion", Source: task.SourceOperator})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Submit(task.SubmitRequest{Text: "cancelled while queued", Source: task.SourceOperator})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, first.ID, task.StatusRunning)
	if err := o.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(block)
	waitStatus(t, o, first.ID, task.StatusDone)
	time.Sleep(50 * time.Millisecond)

	if n := feed.count("task_finished", first.ID); n != 1 {
		t.Errorf("task_finished for %s published %d times, want 1", first.ID, n)
	}
	if n := feed.count("task_finished", second.ID); n != 1 {
		t.Errorf("task_finished for %s published %d times, want 1", second.ID, n)
	}
}

func TestCorruptSnapshotResets(t *testing.T) {
	repo := initTestRepo(t)
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(st.Root(), task.SnapshotFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{{{{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	wt, err := worktree.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(Config{Repos: []config.RepoConfig{repo}, MaxConcurrency: 1}, st, &scriptEngine{}, wt)
	if err != nil {
		t.Fatalf("New after corrupt snapshot: %v", err)
	}
	defer o.Close()

	if n := len(o.List()); n != 0 {
		t.Errorf("tasks after reset = %d, want 0", n)
	}
	snap, err := task.LoadSnapshot(st)
	if err != nil {
		t.Fatalf("snapshot not rewritten clean: %v", err)
	}
	if snap.Version != task.SnapshotVersion {
		t.Errorf("version = %d", snap.Version)
	}
}

func TestRepoNotFound(t *testing.T) {
	eng := &scriptEngine{}
	o, _ := testOrchestrator(t, Config{}, eng)
	if _, err := o.Submit(task.SubmitRequest{Text: "anything"}); !errors.Is(err, task.ErrRepoNotFound) {
		t.Errorf("err = %v, want repo_not_found", err)
	}
}

func TestRetryFromFailedClearsMarkers(t *testing.T) {
	repo := initTestRepo(t)
	fail := true
	var mu sync.Mutex
	eng := &scriptEngine{fn: func(bus.EngineInput) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("first life fails")
		}
		return `{"summary":"second life","state":"done"}`, nil
	}}
	o, _ := testOrchestrator(t, Config{Repos: []config.RepoConfig{repo}, MaxRetries: 0}, eng)

	rec, err := o.Submit(task.SubmitRequest{Text: "phoenix", Source: task.SourceOperator})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, rec.ID, task.StatusFailed)

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := o.Retry(rec.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	final := waitStatus(t, o, rec.ID, task.StatusDone)
	if final.EscalationRequired || final.Error != "" {
		t.Errorf("markers not cleared: %+v", final)
	}
}
