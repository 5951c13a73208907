// Package config holds the daemon configuration: a json5 config file with
// an environment-variable overlay on top.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Talon daemon.
type Config struct {
	DataDir           string         `json:"data_dir,omitempty"`
	ControlSocketPath string         `json:"control_socket_path,omitempty"`
	Sessions          SessionsConfig `json:"sessions,omitempty"`
	Tasks             TasksConfig    `json:"tasks,omitempty"`
	Chat              ChatConfig     `json:"chat,omitempty"`
	Engine            EngineConfig   `json:"engine,omitempty"`
	Repos             []RepoConfig   `json:"repos,omitempty"`
	Channels          ChannelsConfig `json:"channels,omitempty"`
	Gateway           GatewayConfig  `json:"gateway,omitempty"`
	TeamMemory        TeamMemoryCfg  `json:"team_memory,omitempty"`
}

// SessionsConfig bounds per-session state and queueing.
type SessionsConfig struct {
	MaxMessages        int `json:"max_messages,omitempty"`          // SESSION_MAX_MESSAGES
	TTLSeconds         int `json:"ttl_seconds,omitempty"`           // SESSION_TTL_SECONDS
	DedupeWindowMs     int `json:"dedupe_window_ms,omitempty"`      // SESSION_DEDUPE_WINDOW_MS
	MaxQueuePerSession int `json:"max_queue_per_session,omitempty"` // MAX_QUEUE_PER_SESSION
	MaxMessageBytes    int `json:"max_message_bytes,omitempty"`     // MAX_MESSAGE_BYTES
}

// TasksConfig controls the task orchestrator and worker post-turn behavior.
type TasksConfig struct {
	MaxConcurrency               int    `json:"max_concurrency,omitempty"` // TASK_MAX_CONCURRENCY, clamped 1..32
	WorkerMaxRetries             int    `json:"worker_max_retries,omitempty"`
	WorktreeRootDir              string `json:"worktree_root_dir,omitempty"`
	WorktreeStaleHours           int    `json:"worktree_stale_hours,omitempty"`
	FailedWorktreeRetentionHours int    `json:"failed_worktree_retention_hours,omitempty"`
	AutoCleanup                  *bool  `json:"auto_cleanup,omitempty"` // TASK_AUTOCLEANUP, default true
	AutoCommit                   bool   `json:"auto_commit,omitempty"`  // TASK_AUTO_COMMIT
	AutoPR                       bool   `json:"auto_pr,omitempty"`      // TASK_AUTO_PR
	PRCheckTimeoutMs             int    `json:"pr_check_timeout_ms,omitempty"`
	PRCheckPollMs                int    `json:"pr_check_poll_ms,omitempty"`
}

// ChatConfig controls dispatch routing for inbound chat.
type ChatConfig struct {
	DispatchMode     string `json:"dispatch_mode,omitempty"`       // session|task|hybrid
	TaskUpdatePollMs int    `json:"task_update_poll_ms,omitempty"` // >= 500
}

// EngineConfig describes the agent engine process.
type EngineConfig struct {
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"` // ENGINE_TIMEOUT_MS
}

// RepoConfig registers one repository for task execution.
type RepoConfig struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Remote        string `json:"remote,omitempty"`
	Default       bool   `json:"default,omitempty"`
}

// ChannelsConfig configures the chat transports.
type ChannelsConfig struct {
	Slack   SlackConfig   `json:"slack,omitempty"`
	Discord DiscordConfig `json:"discord,omitempty"`
}

// SlackConfig configures the Slack Socket Mode transport.
// Tokens come from env only (SLACK_BOT_TOKEN, SLACK_APP_TOKEN), never from
// the config file.
type SlackConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BotToken  string   `json:"-"`
	AppToken  string   `json:"-"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// DiscordConfig configures the Discord gateway transport.
// Token comes from env only (DISCORD_BOT_TOKEN).
type DiscordConfig struct {
	Enabled        bool     `json:"enabled,omitempty"`
	Token          string   `json:"-"`
	AllowFrom      []string `json:"allow_from,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
}

// GatewayConfig configures the operator HTTP/WebSocket event feed.
type GatewayConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"token,omitempty"`
}

// TeamMemoryCfg configures the sqlite team memory database.
type TeamMemoryCfg struct {
	Path string `json:"path,omitempty"` // default {data_dir}/team-memory.db
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	autoCleanup := true
	return &Config{
		DataDir:           "~/.talon/data",
		ControlSocketPath: "~/.talon/control.sock",
		Sessions: SessionsConfig{
			MaxMessages:        200,
			TTLSeconds:         3600,
			DedupeWindowMs:     60_000,
			MaxQueuePerSession: 32,
			MaxMessageBytes:    32_000,
		},
		Tasks: TasksConfig{
			MaxConcurrency:               4,
			WorkerMaxRetries:             2,
			WorktreeRootDir:              "~/.talon/worktrees",
			WorktreeStaleHours:           48,
			FailedWorktreeRetentionHours: 24,
			AutoCleanup:                  &autoCleanup,
			AutoCommit:                   true,
			AutoPR:                       false,
			PRCheckTimeoutMs:             900_000,
			PRCheckPollMs:                15_000,
		},
		Chat: ChatConfig{
			DispatchMode:     "session",
			TaskUpdatePollMs: 2_000,
		},
		Engine: EngineConfig{
			TimeoutMs: 600_000,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
	}
}

// Validate normalizes and bounds-checks the loaded configuration.
func (c *Config) Validate() error {
	switch c.Chat.DispatchMode {
	case "session", "task", "hybrid":
	case "":
		c.Chat.DispatchMode = "session"
	default:
		return fmt.Errorf("invalid chat dispatch_mode %q", c.Chat.DispatchMode)
	}
	if c.Chat.TaskUpdatePollMs < 500 {
		c.Chat.TaskUpdatePollMs = 500
	}
	if c.Tasks.MaxConcurrency < 1 {
		c.Tasks.MaxConcurrency = 1
	}
	if c.Tasks.MaxConcurrency > 32 {
		c.Tasks.MaxConcurrency = 32
	}
	seenDefault := false
	for _, r := range c.Repos {
		if r.ID == "" || r.Path == "" {
			return fmt.Errorf("repo entries need id and path")
		}
		if r.Default {
			if seenDefault {
				return fmt.Errorf("multiple default repos configured")
			}
			seenDefault = true
		}
	}
	return nil
}

// DedupeWindow is the event-id dedupe window.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.Sessions.DedupeWindowMs) * time.Millisecond
}

// SessionTTL is the idle session eviction window.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Sessions.TTLSeconds) * time.Second
}

// EngineTimeout is the per-engine-call timeout.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutMs) * time.Millisecond
}

// TaskUpdatePoll is the lifecycle watcher cadence.
func (c *Config) TaskUpdatePoll() time.Duration {
	return time.Duration(c.Chat.TaskUpdatePollMs) * time.Millisecond
}

// PRCheckTimeout bounds the total PR checks wait.
func (c *Config) PRCheckTimeout() time.Duration {
	return time.Duration(c.Tasks.PRCheckTimeoutMs) * time.Millisecond
}

// PRCheckPoll is the PR checks polling interval.
func (c *Config) PRCheckPoll() time.Duration {
	return time.Duration(c.Tasks.PRCheckPollMs) * time.Millisecond
}

// AutoCleanupEnabled reports whether worktrees are cleaned after terminal
// states (default true).
func (c *Config) AutoCleanupEnabled() bool {
	return c.Tasks.AutoCleanup == nil || *c.Tasks.AutoCleanup
}

// DefaultRepo returns the registered default repository, or the only one.
func (c *Config) DefaultRepo() (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.Default {
			return r, true
		}
	}
	if len(c.Repos) == 1 {
		return c.Repos[0], true
	}
	return RepoConfig{}, false
}

// RepoByID looks up a registered repository.
func (c *Config) RepoByID(id string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.ID == id {
			return r, true
		}
	}
	return RepoConfig{}, false
}
