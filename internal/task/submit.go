package task

import "errors"

// ErrRepoNotFound means a submission named no registered repository and no
// default is configured.
var ErrRepoNotFound = errors.New("repo_not_found")

// SubmitRequest describes one task submission. A non-empty Fanout creates a
// blocked parent plus one queued child per prompt.
type SubmitRequest struct {
	Text       string
	SessionKey string
	RepoID     string
	Source     string // transport|webhook|operator|system
	Fanout     []string
	MaxRetries int // 0 means the configured default
}
