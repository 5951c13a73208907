// Package orchestrator schedules task workflows across disposable git
// worktrees with a bounded worker pool, retry with escalation, fan-out
// parents, and a crash-safe snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/engine"
	"github.com/nextlevelbuilder/talon/internal/github"
	"github.com/nextlevelbuilder/talon/internal/store"
	"github.com/nextlevelbuilder/talon/internal/task"
	"github.com/nextlevelbuilder/talon/internal/teammemory"
	"github.com/nextlevelbuilder/talon/internal/worktree"
)

// ErrTaskNotFound is returned for operations on unknown task ids.
var ErrTaskNotFound = errors.New("task_not_found")

// maintenanceInterval rate-limits the periodic sweep.
const maintenanceInterval = 60 * time.Second

// Config bounds the orchestrator and worker post-turn behavior.
type Config struct {
	MaxConcurrency  int
	MaxRetries      int
	AutoCleanup     bool
	AutoCommit      bool
	AutoPR          bool
	PRCheckTimeout  time.Duration
	PRCheckPoll     time.Duration
	WorktreeStale   time.Duration
	FailedRetention time.Duration
	Repos           []config.RepoConfig
}

// GitHubClient is the slice of the gh-backed client workers consume.
type GitHubClient interface {
	OpenPR(ctx context.Context, worktreePath, branch, title, body string) (string, error)
	Checks(ctx context.Context, url string) (github.ChecksResult, error)
}

// Orchestrator owns the task table, the queue, and the worker pool.
type Orchestrator struct {
	cfg    Config
	st     *store.Store
	eng    engine.Engine
	wt     *worktree.Manager
	gh     GitHubClient
	mem    *teammemory.Store
	events bus.EventPublisher

	mu        sync.Mutex
	tasks     map[string]*task.Record
	queue     []string
	running   map[string]bool
	nextID    int
	lastMaint time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option wires optional collaborators.
type Option func(*Orchestrator)

// WithGitHub enables the auto-PR flow.
func WithGitHub(gh GitHubClient) Option {
	return func(o *Orchestrator) { o.gh = gh }
}

// WithTeamMemory records completions and feeds prior context to workers.
func WithTeamMemory(mem *teammemory.Store) Option {
	return func(o *Orchestrator) { o.mem = mem }
}

// WithEvents wires the operator event feed.
func WithEvents(pub bus.EventPublisher) Option {
	return func(o *Orchestrator) { o.events = pub }
}

// New loads the snapshot, recovers interrupted tasks, and starts pumping.
// A corrupted snapshot is logged, reset in memory, and rewritten clean.
func New(cfg Config, st *store.Store, eng engine.Engine, wt *worktree.Manager, opts ...Option) (*Orchestrator, error) {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxConcurrency > 32 {
		cfg.MaxConcurrency = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		st:      st,
		eng:     eng,
		wt:      wt,
		tasks:   make(map[string]*task.Record),
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}

	snap, err := task.LoadSnapshot(st)
	if err != nil {
		slog.Error("task snapshot corrupt, resetting", "error", err)
		snap = &task.Snapshot{Version: task.SnapshotVersion}
	}
	for _, rec := range snap.Tasks {
		o.tasks[rec.ID] = rec
		if n, ok := parseTaskNum(rec.ID); ok && n > o.nextID {
			o.nextID = n
		}
	}

	// Crash recovery: nothing holds a running task after restart.
	for _, r := range o.tasks {
		switch r.Status {
		case task.StatusRunning:
			if err := r.Transition(task.StatusQueued, "recovered after restart"); err == nil {
				r.AppendEvent(task.Event{Kind: "recovered", Message: "requeued after daemon restart"})
				o.queue = append(o.queue, r.ID)
			}
		case task.StatusQueued:
			o.queue = append(o.queue, r.ID)
		}
	}
	// Requeue in submission order: ids are sequential, so sort by the
	// numeric suffix ("task-2" before "task-10").
	sort.Slice(o.queue, func(i, j int) bool {
		ni, iok := parseTaskNum(o.queue[i])
		nj, jok := parseTaskNum(o.queue[j])
		if iok && jok {
			return ni < nj
		}
		return o.queue[i] < o.queue[j]
	})

	o.mu.Lock()
	o.persistLocked()
	o.maintenanceLocked(true)
	o.pumpLocked()
	o.mu.Unlock()
	return o, nil
}

// Close cancels all workers and waits for them to settle.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func parseTaskNum(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "task-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// newTaskIDLocked allocates a sequential id, falling back to a random
// suffix on collision with reloaded history.
func (o *Orchestrator) newTaskIDLocked() string {
	for {
		o.nextID++
		id := fmt.Sprintf("task-%d", o.nextID)
		if _, exists := o.tasks[id]; !exists {
			return id
		}
		if o.nextID > len(o.tasks)+1_000_000 {
			return "task-" + uuid.NewString()[:8]
		}
	}
}

func (o *Orchestrator) resolveRepo(repoID string) (config.RepoConfig, error) {
	if repoID != "" {
		for _, r := range o.cfg.Repos {
			if r.ID == repoID {
				return r, nil
			}
		}
		return config.RepoConfig{}, task.ErrRepoNotFound
	}
	for _, r := range o.cfg.Repos {
		if r.Default {
			return r, nil
		}
	}
	if len(o.cfg.Repos) > 0 {
		return o.cfg.Repos[0], nil
	}
	return config.RepoConfig{}, task.ErrRepoNotFound
}

func (o *Orchestrator) newRecordLocked(req task.SubmitRequest, repoID, text string) *task.Record {
	now := time.Now().UTC()
	id := o.newTaskIDLocked()
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = o.cfg.MaxRetries
	}
	return &task.Record{
		ID:              id,
		SessionKey:      req.SessionKey,
		Source:          req.Source,
		Text:            text,
		RepoID:          repoID,
		Status:          task.StatusQueued,
		State:           task.StatusQueued,
		AssignedSession: task.DeterministicAssignment(repoID, id, text),
		MaxRetries:      maxRetries,
		Artifacts:       []task.Artifact{},
		Events:          []task.Event{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Submit creates one task, or a blocked fan-out parent plus one queued
// child per prompt when Fanout is non-empty. Returns the created (parent)
// record.
func (o *Orchestrator) Submit(req task.SubmitRequest) (*task.Record, error) {
	repo, err := o.resolveRepo(req.RepoID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	var rec *task.Record
	if len(req.Fanout) > 0 {
		rec = o.submitFanoutLocked(req, repo.ID)
	} else {
		rec = o.newRecordLocked(req, repo.ID, req.Text)
		rec.AppendEvent(task.Event{Kind: "submitted", Message: "task queued"})
		o.tasks[rec.ID] = rec
		o.queue = append(o.queue, rec.ID)
	}
	o.persistLocked()
	o.pumpLocked()
	out := cloneRecord(rec)
	o.mu.Unlock()

	o.publish("task_submitted", out)
	return out, nil
}

func (o *Orchestrator) submitFanoutLocked(req task.SubmitRequest, repoID string) *task.Record {
	now := time.Now().UTC()
	parent := o.newRecordLocked(req, repoID, req.Text)
	parent.Status = task.StatusBlocked
	parent.State = task.StatusBlocked
	parent.FinishedAt = &now
	parent.AppendEvent(task.Event{Kind: "fanout_created", Message: fmt.Sprintf("waiting on %d children", len(req.Fanout))})
	o.tasks[parent.ID] = parent

	for _, prompt := range req.Fanout {
		child := o.newRecordLocked(task.SubmitRequest{
			SessionKey: req.SessionKey,
			Source:     req.Source,
			MaxRetries: req.MaxRetries,
		}, repoID, prompt)
		child.ParentTaskID = parent.ID
		child.AppendEvent(task.Event{Kind: "submitted", Message: "fan-out child queued"})
		o.tasks[child.ID] = child
		parent.Children = append(parent.Children, child.ID)
		o.queue = append(o.queue, child.ID)
	}
	return parent
}

// Get returns a copy of one task record.
func (o *Orchestrator) Get(id string) (*task.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// List returns copies of all records, newest first.
func (o *Orchestrator) List() []*task.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*task.Record, 0, len(o.tasks))
	for _, rec := range o.tasks {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RunningIDs is the in-flight worker set, for the health monitor.
func (o *Orchestrator) RunningIDs() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.running))
	for id := range o.running {
		out[id] = true
	}
	return out
}

// Retry requeues a non-running task, clearing its failure markers.
func (o *Orchestrator) Retry(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.Status == task.StatusRunning {
		return fmt.Errorf("task %s is running", id)
	}
	if rec.Status == task.StatusQueued {
		return nil
	}
	rec.Error = ""
	rec.EscalationRequired = false
	rec.CancelRequested = false
	if err := rec.Transition(task.StatusQueued, "retry requested"); err != nil {
		return err
	}
	rec.AppendEvent(task.Event{Kind: "retry_requested", Message: "operator retry"})
	o.queue = append(o.queue, id)
	o.persistLocked()
	o.pumpLocked()
	return nil
}

// Cancel stops a task: immediately when queued, cooperatively when
// running.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch rec.Status {
	case task.StatusQueued:
		if err := rec.Transition(task.StatusCancelled, "cancelled while queued"); err != nil {
			return err
		}
		o.persistLocked()
		// No worker will ever run this task, so the terminal event is
		// published here.
		o.publish("task_finished", cloneRecord(rec))
		return nil
	case task.StatusRunning:
		rec.CancelRequested = true
		rec.AppendEvent(task.Event{Kind: "cancel_requested", Message: "will stop at next checkpoint"})
		o.persistLocked()
		return nil
	default:
		return fmt.Errorf("task %s is %s", id, rec.Status)
	}
}

// pumpLocked launches workers while capacity and queued tasks remain.
// Stale queue entries whose status moved on are skipped.
func (o *Orchestrator) pumpLocked() {
	o.maintenanceLocked(false)
	for len(o.running) < o.cfg.MaxConcurrency && len(o.queue) > 0 {
		id := o.queue[0]
		o.queue = o.queue[1:]
		rec, ok := o.tasks[id]
		if !ok || rec.Status != task.StatusQueued {
			continue
		}
		if err := rec.Transition(task.StatusRunning, "worker started"); err != nil {
			slog.Error("pump transition failed", "task", id, "error", err)
			continue
		}
		rec.AppendEvent(task.Event{Kind: "started", Message: "worker launched"})
		o.running[id] = true
		o.persistLocked()
		o.wg.Add(1)
		go o.runWorker(id)
	}
}

// Pump schedules any runnable work. Safe to call at any time.
func (o *Orchestrator) Pump() {
	o.mu.Lock()
	o.pumpLocked()
	o.mu.Unlock()
}

// rollupLocked recomputes a fan-out parent from its children. Idempotent:
// re-running with an unchanged child set is a no-op.
func (o *Orchestrator) rollupLocked(parentID string) {
	parent, ok := o.tasks[parentID]
	if !ok || !parent.IsParent() {
		return
	}
	var done, failed int
	for _, cid := range parent.Children {
		child, ok := o.tasks[cid]
		if !ok {
			continue
		}
		switch child.Status {
		case task.StatusDone:
			done++
		case task.StatusFailed:
			failed++
		}
	}

	switch {
	case failed > 0:
		if parent.Status != task.StatusFailed {
			parent.EscalationRequired = true
			if err := parent.Transition(task.StatusFailed, fmt.Sprintf("%d child task(s) failed", failed)); err != nil {
				slog.Error("parent rollup failed", "task", parentID, "error", err)
			} else {
				o.publish("task_finished", cloneRecord(parent))
			}
		}
	case done == len(parent.Children):
		if parent.Status != task.StatusDone {
			summary := fmt.Sprintf("All %d child tasks completed.", len(parent.Children))
			if err := parent.Transition(task.StatusDone, summary); err != nil {
				slog.Error("parent rollup failed", "task", parentID, "error", err)
				return
			}
			parent.AppendArtifact(task.Artifact{Kind: task.ArtifactSummary, Text: summary})
			o.publish("task_finished", cloneRecord(parent))
		}
	default:
		if parent.Status != task.StatusBlocked {
			if err := parent.Transition(task.StatusBlocked, "waiting on remaining children"); err != nil {
				slog.Error("parent rollup failed", "task", parentID, "error", err)
			}
		}
	}
	o.persistLocked()
}

// maintenanceLocked sweeps stale worktrees and expired failed worktrees.
// Rate-limited unless forced.
func (o *Orchestrator) maintenanceLocked(force bool) {
	now := time.Now()
	if !force && now.Sub(o.lastMaint) < maintenanceInterval {
		return
	}
	o.lastMaint = now

	protected := make(map[string]bool)
	for _, rec := range o.tasks {
		if rec.WorktreePath == "" {
			continue
		}
		switch rec.Status {
		case task.StatusQueued, task.StatusRunning:
			protected[rec.WorktreePath] = true
		}
	}

	if o.cfg.WorktreeStale > 0 {
		if removed := o.wt.CleanupStale(o.cfg.WorktreeStale, protected); len(removed) > 0 {
			slog.Info("removed stale worktrees", "count", len(removed))
		}
	}

	if o.cfg.FailedRetention > 0 {
		cutoff := now.Add(-o.cfg.FailedRetention)
		for _, rec := range o.tasks {
			if rec.WorktreePath == "" || rec.FinishedAt == nil {
				continue
			}
			if (rec.Status == task.StatusFailed || rec.Status == task.StatusBlocked) && rec.FinishedAt.Before(cutoff) {
				o.cleanupWorktree(rec)
			}
		}
	}
}

func (o *Orchestrator) cleanupWorktree(rec *task.Record) {
	repo, err := o.resolveRepo(rec.RepoID)
	if err != nil {
		return
	}
	o.wt.Cleanup(o.ctx, repo, rec.ID)
	rec.WorktreePath = ""
}

// persistLocked snapshots the full task table. Every state change is
// written before the lock is released so readers never observe a status
// without its events.
func (o *Orchestrator) persistLocked() {
	all := make([]*task.Record, 0, len(o.tasks))
	for _, rec := range o.tasks {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if err := task.SaveSnapshot(o.st, all); err != nil {
		slog.Error("task snapshot persist failed", "error", err)
	}
}

func (o *Orchestrator) publish(name string, payload interface{}) {
	if o.events != nil {
		o.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

func cloneRecord(rec *task.Record) *task.Record {
	cp := *rec
	cp.Artifacts = append([]task.Artifact(nil), rec.Artifacts...)
	cp.Events = append([]task.Event(nil), rec.Events...)
	cp.Children = append([]string(nil), rec.Children...)
	return &cp
}
