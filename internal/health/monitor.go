// Package health derives a point-in-time snapshot of orchestrator
// invariants. Pure function over inputs; it never mutates state.
package health

import (
	"sort"
	"time"

	"github.com/nextlevelbuilder/talon/internal/task"
	"github.com/nextlevelbuilder/talon/internal/worktree"
)

// Issue codes.
const (
	IssueOrphanedRunningTask      = "orphaned_running_task"
	IssueOrphanedWorkerSlot       = "orphaned_worker_slot"
	IssueWorkerSlotStatusMismatch = "worker_slot_status_mismatch"
	IssueStuckRunningTask         = "stuck_running_task"
	IssueStaleQueuedTask          = "stale_queued_task"
	IssueStaleWorktree            = "stale_worktree"
)

// Thresholds are the staleness windows for derived issues.
type Thresholds struct {
	StaleRunning  time.Duration
	StaleQueued   time.Duration
	StaleWorktree time.Duration
}

// Issue is one detected invariant violation.
type Issue struct {
	Code   string `json:"code"`
	TaskID string `json:"taskId,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Metrics are the raw counts behind the snapshot.
type Metrics struct {
	Tasks       int `json:"tasks"`
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Blocked     int `json:"blocked"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	WorkerSlots int `json:"workerSlots"`
	Worktrees   int `json:"worktrees"`
}

// Snapshot is the health report: "ok" when no issues, else "degraded".
type Snapshot struct {
	Status  string  `json:"status"`
	Metrics Metrics `json:"metrics"`
	Issues  []Issue `json:"issues"`
}

// Evaluate derives the snapshot for the given orchestrator state.
func Evaluate(tasks map[string]*task.Record, runningIDs map[string]bool, worktrees []worktree.Info, now time.Time, th Thresholds) Snapshot {
	var snap Snapshot
	snap.Metrics.WorkerSlots = len(runningIDs)
	snap.Metrics.Worktrees = len(worktrees)

	referenced := make(map[string]bool)

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := tasks[id]
		snap.Metrics.Tasks++
		switch rec.Status {
		case task.StatusQueued:
			snap.Metrics.Queued++
		case task.StatusRunning:
			snap.Metrics.Running++
		case task.StatusBlocked:
			snap.Metrics.Blocked++
		case task.StatusDone:
			snap.Metrics.Done++
		case task.StatusFailed:
			snap.Metrics.Failed++
		case task.StatusCancelled:
			snap.Metrics.Cancelled++
		}

		if rec.Status == task.StatusQueued || rec.Status == task.StatusRunning {
			if rec.WorktreePath != "" {
				referenced[rec.WorktreePath] = true
			}
		}

		switch {
		case rec.Status == task.StatusRunning && !runningIDs[id]:
			snap.Issues = append(snap.Issues, Issue{Code: IssueOrphanedRunningTask, TaskID: id})
		case rec.Status == task.StatusRunning && th.StaleRunning > 0 && now.Sub(rec.UpdatedAt) > th.StaleRunning:
			snap.Issues = append(snap.Issues, Issue{Code: IssueStuckRunningTask, TaskID: id})
		case rec.Status == task.StatusQueued && th.StaleQueued > 0 && now.Sub(rec.UpdatedAt) > th.StaleQueued:
			snap.Issues = append(snap.Issues, Issue{Code: IssueStaleQueuedTask, TaskID: id})
		}
	}

	slotIDs := make([]string, 0, len(runningIDs))
	for id := range runningIDs {
		slotIDs = append(slotIDs, id)
	}
	sort.Strings(slotIDs)
	for _, id := range slotIDs {
		rec, ok := tasks[id]
		if !ok {
			snap.Issues = append(snap.Issues, Issue{Code: IssueOrphanedWorkerSlot, TaskID: id})
			continue
		}
		if rec.Status != task.StatusRunning {
			snap.Issues = append(snap.Issues, Issue{Code: IssueWorkerSlotStatusMismatch, TaskID: id})
		}
	}

	if th.StaleWorktree > 0 {
		for _, wt := range worktrees {
			if now.Sub(wt.ModTime) > th.StaleWorktree && !referenced[wt.Path] {
				snap.Issues = append(snap.Issues, Issue{Code: IssueStaleWorktree, Path: wt.Path})
			}
		}
	}

	if len(snap.Issues) == 0 {
		snap.Status = "ok"
	} else {
		snap.Status = "degraded"
	}
	return snap
}
