package control

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/task"
)

// watchTask polls one submitted task and posts lifecycle replies: one
// announcement the first time it runs, one final report with evidence when
// it terminates. Watcher failures never reach the orchestrator.
func (cp *ControlPlane) watchTask(id string, reply bus.ReplyFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task watcher panic", "task", id, "panic", r)
		}
	}()

	poll := cp.cfg.TaskUpdatePoll
	if poll < 500*time.Millisecond {
		poll = 500 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()

	announcedRunning := false
	for {
		select {
		case <-cp.done:
			return
		case <-t.C:
		}

		rec, ok := cp.tasks.Get(id)
		if !ok {
			slog.Warn("watched task disappeared", "task", id)
			return
		}
		switch rec.Status {
		case task.StatusRunning:
			if !announcedRunning {
				announcedRunning = true
				cp.send(reply, fmt.Sprintf("Task %s is running.", id))
			}
		case task.StatusDone, task.StatusFailed, task.StatusCancelled:
			// The orchestrator already published task_finished; the
			// watcher only renders the operator-facing report.
			cp.send(reply, taskReport(rec))
			return
		}
	}
}

// taskReport renders the final operator-facing line(s) for a terminal
// task, with whatever evidence the worker recorded.
func taskReport(rec *task.Record) string {
	var b strings.Builder
	switch rec.Status {
	case task.StatusDone:
		fmt.Fprintf(&b, "Task %s completed.", rec.ID)
	case task.StatusFailed:
		fmt.Fprintf(&b, "Task %s failed.", rec.ID)
		if rec.Error != "" {
			fmt.Fprintf(&b, " Error: %s", rec.Error)
		}
	case task.StatusCancelled:
		fmt.Fprintf(&b, "Task %s cancelled.", rec.ID)
	default:
		fmt.Fprintf(&b, "Task %s is %s.", rec.ID, rec.Status)
	}

	if a := rec.LatestArtifact(task.ArtifactSummary); a != nil && a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	if a := rec.LatestArtifact(task.ArtifactPullRequest); a != nil && a.PRURL != "" {
		fmt.Fprintf(&b, "\nPR: %s", a.PRURL)
	}
	if a := rec.LatestArtifact(task.ArtifactGitCommit); a != nil && a.CommitSHA != "" {
		fmt.Fprintf(&b, "\nCommit: %s", a.CommitSHA)
	}
	if rec.Branch != "" {
		fmt.Fprintf(&b, "\nBranch: %s", rec.Branch)
	}
	if a := rec.LatestArtifact(task.ArtifactChecks); a != nil && a.ChecksSummary != "" {
		fmt.Fprintf(&b, "\nChecks: %s", a.ChecksSummary)
	}
	if rec.EscalationRequired {
		b.WriteString("\nOperator attention required.")
	}
	return b.String()
}
