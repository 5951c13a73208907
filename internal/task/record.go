package task

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Source tags for task submission entry points.
const (
	SourceTransport = "transport"
	SourceWebhook   = "webhook"
	SourceOperator  = "operator"
	SourceSystem    = "system"
)

// Artifact kinds. The latest artifact of any kind is authoritative for
// reporting.
const (
	ArtifactLauncher    = "launcher"
	ArtifactSummary     = "summary"
	ArtifactFileChanges = "file_changes"
	ArtifactGitCommit   = "git_commit"
	ArtifactPullRequest = "pull_request"
	ArtifactChecks      = "checks"
	ArtifactTestOutput  = "test_output"
	ArtifactError       = "error"
	ArtifactNone        = "no_artifact"
)

// EventStatusTransition is the event kind recorded on every transition.
const EventStatusTransition = "status_transition"

// Artifact is a kind-tagged evidence record attached to a task.
type Artifact struct {
	Kind            string    `json:"kind"`
	At              time.Time `json:"at"`
	Text            string    `json:"text,omitempty"`
	WorktreePath    string    `json:"worktreePath,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	AssignedSession string    `json:"assignedSession,omitempty"`
	CommitSHA       string    `json:"commitSha,omitempty"`
	PRURL           string    `json:"prUrl,omitempty"`
	FilesChanged    []string  `json:"filesChanged,omitempty"`
	ChecksSummary   string    `json:"checksSummary,omitempty"`
}

// Event is one append-only task log entry.
type Event struct {
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Record is the full durable state of one task.
type Record struct {
	ID                 string     `json:"id"`
	ParentTaskID       string     `json:"parentTaskId,omitempty"`
	SessionKey         string     `json:"sessionKey,omitempty"`
	Source             string     `json:"source"`
	Text               string     `json:"text"`
	RepoID             string     `json:"repoId"`
	Status             Status     `json:"status"`
	State              Status     `json:"state,omitempty"` // serialization alias of Status, v1 compat
	AssignedSession    string     `json:"assignedSession"`
	WorktreePath       string     `json:"worktreePath,omitempty"`
	Branch             string     `json:"branch,omitempty"`
	RetryCount         int        `json:"retryCount"`
	MaxRetries         int        `json:"maxRetries"`
	EscalationRequired bool       `json:"escalationRequired"`
	Error              string     `json:"error,omitempty"`
	Artifacts          []Artifact `json:"artifacts"`
	Children           []string   `json:"children,omitempty"`
	Events             []Event    `json:"events"`
	CancelRequested    bool       `json:"cancelRequested,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
}

// IsParent reports whether this task is a fan-out parent. Parents never run
// an engine turn themselves.
func (r *Record) IsParent() bool { return len(r.Children) > 0 }

// Transition moves the record to a new status, recording the
// status_transition event and maintaining startedAt/finishedAt.
func (r *Record) Transition(to Status, message string) error {
	from := r.Status
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}

	now := time.Now().UTC()
	r.Status = to
	r.State = to
	r.UpdatedAt = now

	if to == StatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.Terminal() {
		t := now
		r.FinishedAt = &t
	}
	if to == StatusQueued {
		r.FinishedAt = nil
	}

	r.AppendEvent(Event{
		At:      now,
		Kind:    EventStatusTransition,
		Message: message,
		Details: map[string]string{"from": string(from), "to": string(to)},
	})
	return nil
}

// AppendEvent appends to the event log and bumps updatedAt.
func (r *Record) AppendEvent(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.Events = append(r.Events, e)
	r.UpdatedAt = e.At
}

// AppendArtifact appends an artifact; artifacts are never replaced.
func (r *Record) AppendArtifact(a Artifact) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	r.Artifacts = append(r.Artifacts, a)
	r.UpdatedAt = a.At
}

// LatestArtifact returns the most recent artifact of a kind, or nil.
func (r *Record) LatestArtifact(kind string) *Artifact {
	for i := len(r.Artifacts) - 1; i >= 0; i-- {
		if r.Artifacts[i].Kind == kind {
			return &r.Artifacts[i]
		}
	}
	return nil
}

// DeterministicAssignment derives the worker session label for a task.
// Stable across restarts so reloaded snapshots keep their assignment.
func DeterministicAssignment(repoID, taskID, text string) string {
	h := sha1.Sum([]byte(repoID + ":" + taskID + ":" + text))
	return "agent-" + hex.EncodeToString(h[:])[:8]
}
