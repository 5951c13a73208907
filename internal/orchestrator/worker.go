package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/task"
)

// workerInstructions is the fixed contract appended to every worker
// prompt. The engine must answer with one JSON object.
const workerInstructions = `Respond with a single JSON object of the form
{"summary": string, "state": "done" | "blocked", "commitMessage": string, "prTitle": string, "prBody": string, "testOutput": string}
where only "summary" and "state" are required. Report "blocked" when the
task cannot proceed without operator input.`

// workerResult is the parsed engine answer for one task attempt.
type workerResult struct {
	Summary       string `json:"summary"`
	State         string `json:"state"`
	CommitMessage string `json:"commitMessage"`
	PRTitle       string `json:"prTitle"`
	PRBody        string `json:"prBody"`
	TestOutput    string `json:"testOutput"`
}

// parseWorkerOutput extracts the largest {...} substring of the engine
// output. When nothing parses, or summary is empty, the whole text is the
// summary and the state is done.
func parseWorkerOutput(out string) workerResult {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start >= 0 && end > start {
		var res workerResult
		if err := json.Unmarshal([]byte(out[start:end+1]), &res); err == nil && strings.TrimSpace(res.Summary) != "" {
			if res.State != string(task.StatusBlocked) {
				res.State = string(task.StatusDone)
			}
			return res
		}
	}
	return workerResult{Summary: strings.TrimSpace(out), State: string(task.StatusDone)}
}

// runWorker executes one task attempt, then releases the slot, rolls up
// the parent, and pumps the queue.
func (o *Orchestrator) runWorker(id string) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "task", id, "panic", r)
			o.workerError(id, fmt.Errorf("worker panic: %v", r))
		}
		o.mu.Lock()
		delete(o.running, id)
		if rec, ok := o.tasks[id]; ok && rec.ParentTaskID != "" {
			o.rollupLocked(rec.ParentTaskID)
		}
		o.pumpLocked()
		o.mu.Unlock()
	}()

	o.workerTurn(id)

	if rec, ok := o.Get(id); ok && rec.Status.Terminal() {
		o.publish("task_finished", rec)
	}
}

func (o *Orchestrator) workerTurn(id string) {
	o.mu.Lock()
	rec, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	repoID, text, assigned := rec.RepoID, rec.Text, rec.AssignedSession
	o.mu.Unlock()

	repo, err := o.resolveRepo(repoID)
	if err != nil {
		o.workerError(id, err)
		return
	}

	path, branch, err := o.wt.Create(o.ctx, repo, id)
	if err != nil {
		o.workerError(id, fmt.Errorf("create worktree: %w", err))
		return
	}
	o.withRecord(id, func(r *task.Record) {
		r.WorktreePath = path
		r.Branch = branch
		r.AppendArtifact(task.Artifact{
			Kind:            task.ArtifactLauncher,
			WorktreePath:    path,
			Branch:          branch,
			AssignedSession: assigned,
		})
	})

	var contextLines []string
	if o.mem != nil {
		if lines, err := o.mem.RecentContext(o.ctx, repo.ID, 5); err == nil {
			contextLines = lines
		}
	}

	out, err := o.eng.Complete(o.ctx, bus.EngineInput{
		SessionKey:   assigned,
		Route:        assigned,
		Text:         text + "\n\n" + workerInstructions,
		ContextLines: contextLines,
		Metadata: map[string]string{
			"taskId":       id,
			"repoId":       repo.ID,
			"worktreePath": path,
			"branch":       branch,
		},
	})
	if o.cancelRequested(id) {
		o.finishCancelled(id, repo)
		return
	}
	if err != nil {
		o.workerError(id, err)
		return
	}

	result := parseWorkerOutput(out)
	o.withRecord(id, func(r *task.Record) {
		r.AppendArtifact(task.Artifact{Kind: task.ArtifactSummary, Text: result.Summary})
		if result.TestOutput != "" {
			r.AppendArtifact(task.Artifact{Kind: task.ArtifactTestOutput, Text: result.TestOutput})
		}
	})

	files := changedFiles(o.ctx, path)
	if len(files) > 0 {
		o.withRecord(id, func(r *task.Record) {
			r.AppendArtifact(task.Artifact{Kind: task.ArtifactFileChanges, FilesChanged: files})
		})
	}

	if result.State == string(task.StatusBlocked) {
		o.finishBlocked(id, "engine reported blocked", false, repo)
		return
	}

	var commitSHA string
	if o.cfg.AutoCommit && len(files) > 0 {
		msg := result.CommitMessage
		if msg == "" {
			msg = defaultCommitMessage(id, result.Summary)
		}
		sha, err := commitAll(o.ctx, path, msg)
		if err != nil {
			slog.Warn("auto-commit failed", "task", id, "error", err)
		} else if sha != "" {
			commitSHA = sha
			o.withRecord(id, func(r *task.Record) {
				r.AppendArtifact(task.Artifact{Kind: task.ArtifactGitCommit, CommitSHA: sha, Text: msg})
			})
		}
	}

	if commitSHA != "" && o.cfg.AutoPR && o.gh != nil {
		if !o.openPRAndWait(id, path, branch, result, repo) {
			return
		}
	}

	o.mu.Lock()
	if rec, ok := o.tasks[id]; ok {
		if err := rec.Transition(task.StatusDone, "completed"); err != nil {
			slog.Error("done transition failed", "task", id, "error", err)
		}
		o.persistLocked()
	}
	o.mu.Unlock()

	if o.mem != nil {
		if err := o.mem.RecordCompletion(o.ctx, id, repo.ID, result.Summary); err != nil {
			slog.Debug("team memory record failed", "task", id, "error", err)
		}
	}
	o.maybeCleanup(id, repo)
}

// openPRAndWait pushes, opens the PR, and polls checks until they settle
// or the timeout expires. Returns false when the task reached a terminal
// state here.
func (o *Orchestrator) openPRAndWait(id, path, branch string, result workerResult, repo config.RepoConfig) bool {
	title := result.PRTitle
	if title == "" {
		title = "Task " + id
	}
	body := result.PRBody
	if body == "" {
		body = result.Summary
	}
	prURL, err := o.gh.OpenPR(o.ctx, path, branch, title, body)
	if err != nil {
		o.workerError(id, fmt.Errorf("open PR: %w", err))
		return false
	}
	o.withRecord(id, func(r *task.Record) {
		r.AppendArtifact(task.Artifact{Kind: task.ArtifactPullRequest, PRURL: prURL, Text: title})
	})

	checks := o.waitForChecks(id, prURL)
	o.withRecord(id, func(r *task.Record) {
		r.AppendArtifact(task.Artifact{Kind: task.ArtifactChecks, ChecksSummary: checks.Summary, PRURL: prURL})
	})
	if o.cancelRequested(id) {
		o.finishCancelled(id, repo)
		return false
	}
	if !checks.Passed {
		o.finishBlocked(id, "PR checks did not pass: "+checks.Summary, true, repo)
		return false
	}
	return true
}

func (o *Orchestrator) waitForChecks(id, prURL string) checksOutcome {
	deadline := time.Now().Add(o.cfg.PRCheckTimeout)
	poll := o.cfg.PRCheckPoll
	if poll <= 0 {
		poll = 10 * time.Second
	}
	last := checksOutcome{Summary: "checks never reported"}
	for {
		res, err := o.gh.Checks(o.ctx, prURL)
		if err != nil {
			last = checksOutcome{Summary: "checks unavailable: " + err.Error()}
		} else {
			last = checksOutcome{Passed: res.Passed, Pending: res.Pending, Summary: res.Summary}
			if !res.Pending {
				return last
			}
		}
		if o.cancelRequested(id) || time.Now().After(deadline) {
			return last
		}
		select {
		case <-o.ctx.Done():
			return last
		case <-time.After(poll):
		}
	}
}

type checksOutcome struct {
	Passed  bool
	Pending bool
	Summary string
}

// workerError handles a failed attempt: retry while budget remains, else
// fail with escalation.
func (o *Orchestrator) workerError(id string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	if !ok || rec.Status != task.StatusRunning {
		return
	}
	rec.RetryCount++
	rec.AppendArtifact(task.Artifact{Kind: task.ArtifactError, Text: cause.Error()})

	if rec.RetryCount <= rec.MaxRetries {
		if err := rec.Transition(task.StatusQueued, "retry scheduled"); err != nil {
			slog.Error("retry transition failed", "task", id, "error", err)
			return
		}
		rec.AppendEvent(task.Event{
			Kind:    "retry_scheduled",
			Message: fmt.Sprintf("attempt %d of %d failed: %s", rec.RetryCount, rec.MaxRetries+1, cause),
		})
		o.queue = append(o.queue, id)
	} else {
		rec.Error = cause.Error()
		rec.EscalationRequired = true
		if err := rec.Transition(task.StatusFailed, "retry budget exhausted"); err != nil {
			slog.Error("fail transition failed", "task", id, "error", err)
		}
	}
	o.persistLocked()
}

func (o *Orchestrator) finishBlocked(id, reason string, escalate bool, repo config.RepoConfig) {
	o.mu.Lock()
	if rec, ok := o.tasks[id]; ok {
		if escalate {
			rec.EscalationRequired = true
		}
		if err := rec.Transition(task.StatusBlocked, reason); err != nil {
			slog.Error("blocked transition failed", "task", id, "error", err)
		}
		o.persistLocked()
	}
	o.mu.Unlock()
	o.maybeCleanup(id, repo)
}

func (o *Orchestrator) finishCancelled(id string, repo config.RepoConfig) {
	o.mu.Lock()
	if rec, ok := o.tasks[id]; ok {
		if err := rec.Transition(task.StatusCancelled, "cancelled at checkpoint"); err != nil {
			slog.Error("cancel transition failed", "task", id, "error", err)
		}
		o.persistLocked()
	}
	o.mu.Unlock()
	o.maybeCleanup(id, repo)
}

func (o *Orchestrator) cancelRequested(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	return ok && rec.CancelRequested
}

func (o *Orchestrator) withRecord(id string, fn func(*task.Record)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.tasks[id]; ok {
		fn(rec)
		o.persistLocked()
	}
}

// maybeCleanup applies the worktree retention policy after a terminal
// state. Cleanup failures never propagate.
func (o *Orchestrator) maybeCleanup(id string, repo config.RepoConfig) {
	if !o.cfg.AutoCleanup {
		return
	}
	o.mu.Lock()
	rec, ok := o.tasks[id]
	if !ok || rec.WorktreePath == "" {
		o.mu.Unlock()
		return
	}
	status := rec.Status
	o.mu.Unlock()

	clean := false
	switch status {
	case task.StatusDone, task.StatusCancelled:
		clean = true
	case task.StatusFailed, task.StatusBlocked:
		clean = o.cfg.FailedRetention <= 0
	}
	if !clean {
		return
	}
	o.wt.Cleanup(o.ctx, repo, id)
	o.mu.Lock()
	if rec, ok := o.tasks[id]; ok {
		rec.WorktreePath = ""
		o.persistLocked()
	}
	o.mu.Unlock()
}

func defaultCommitMessage(id, summary string) string {
	s := strings.TrimSpace(summary)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	if s == "" {
		s = "automated changes"
	}
	return fmt.Sprintf("%s (%s)", s, id)
}

// changedFiles lists paths with uncommitted changes in the worktree.
func changedFiles(ctx context.Context, worktreePath string) []string {
	out, err := gitIn(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[i+4:]
		}
		if name != "" {
			files = append(files, name)
		}
	}
	return files
}

// commitAll stages and commits everything, returning the new HEAD sha.
func commitAll(ctx context.Context, worktreePath, message string) (string, error) {
	if out, err := gitIn(ctx, worktreePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := gitIn(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %s: %w", strings.TrimSpace(out), err)
	}
	sha, err := gitIn(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
