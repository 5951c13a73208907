// Package github is the GitHub collaborator: PR URL verification for the
// session safety guard, and PR creation / checks polling for task workers.
// All operations go through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// prURLPattern matches GitHub pull request URLs in assistant output.
var prURLPattern = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// ExtractPRURLs returns every PR URL appearing in text, in order.
func ExtractPRURLs(text string) []string {
	return prURLPattern.FindAllString(text, -1)
}

// PRVerifier confirms that a claimed PR URL actually exists. The session
// layer depends on this interface, never on the CLI directly.
type PRVerifier interface {
	VerifyPR(ctx context.Context, url string) bool
}

// ChecksResult summarizes the check runs on a PR.
type ChecksResult struct {
	Passed  bool
	Pending bool
	Summary string
}

// Client shells out to the gh CLI.
type Client struct{}

// NewClient creates a gh-backed client.
func NewClient() *Client { return &Client{} }

// Available reports whether the gh CLI is installed.
func Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// VerifyPR confirms the URL resolves to a real pull request.
func (c *Client) VerifyPR(ctx context.Context, url string) bool {
	_, err := c.run(ctx, "pr", "view", url, "--json", "number")
	return err == nil
}

// OpenPR pushes the branch and opens a pull request from the worktree.
// Returns the PR URL.
func (c *Client) OpenPR(ctx context.Context, worktreePath, branch, title, body string) (string, error) {
	if out, err := gitOut(ctx, worktreePath, "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("push branch: %s: %w", strings.TrimSpace(out), err)
	}
	out, err := c.runIn(ctx, worktreePath, "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", body)
	if err != nil {
		return "", fmt.Errorf("create PR: %w", err)
	}
	// gh prints the PR URL on the last line.
	lines := strings.Fields(strings.TrimSpace(out))
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "https://") {
			return lines[i], nil
		}
	}
	return "", fmt.Errorf("create PR: no URL in output %q", out)
}

type ghCheck struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Bucket     string `json:"bucket"` // pass|fail|pending|skipping|cancel
	Workflow   string `json:"workflow"`
	Completed  string `json:"completedAt"`
	StartedAt  string `json:"startedAt"`
	DetailsURL string `json:"link"`
}

// Checks reports the current check-run state for a PR URL.
func (c *Client) Checks(ctx context.Context, url string) (ChecksResult, error) {
	out, err := c.run(ctx, "pr", "checks", url, "--json", "name,state,bucket,workflow,completedAt,startedAt,link")
	if err != nil {
		// gh pr checks exits 8 while checks are pending, and non-zero on
		// failing checks; the JSON is still emitted.
		if out == "" {
			return ChecksResult{}, fmt.Errorf("pr checks: %w", err)
		}
	}
	var checks []ghCheck
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		return ChecksResult{}, fmt.Errorf("parse pr checks: %w", err)
	}
	return summarizeChecks(checks), nil
}

func summarizeChecks(checks []ghCheck) ChecksResult {
	if len(checks) == 0 {
		return ChecksResult{Passed: true, Summary: "no checks configured"}
	}
	var pass, fail, pending int
	for _, ch := range checks {
		switch ch.Bucket {
		case "pass", "skipping":
			pass++
		case "fail", "cancel":
			fail++
		default:
			pending++
		}
	}
	res := ChecksResult{
		Passed:  fail == 0 && pending == 0,
		Pending: pending > 0,
		Summary: fmt.Sprintf("%d passed, %d failed, %d pending", pass, fail, pending),
	}
	return res
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runIn(ctx, "", args...)
}

func (c *Client) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func gitOut(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
