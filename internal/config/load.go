package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a json5 file, overlays env vars, expands home
// paths, and validates. A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables the core documents. Names
// match the operational docs one-to-one.
func applyEnv(cfg *Config) {
	envInt("SESSION_MAX_MESSAGES", &cfg.Sessions.MaxMessages)
	envInt("SESSION_TTL_SECONDS", &cfg.Sessions.TTLSeconds)
	envInt("SESSION_DEDUPE_WINDOW_MS", &cfg.Sessions.DedupeWindowMs)
	envInt("MAX_QUEUE_PER_SESSION", &cfg.Sessions.MaxQueuePerSession)
	envInt("MAX_MESSAGE_BYTES", &cfg.Sessions.MaxMessageBytes)

	envInt("TASK_MAX_CONCURRENCY", &cfg.Tasks.MaxConcurrency)
	envInt("WORKER_MAX_RETRIES", &cfg.Tasks.WorkerMaxRetries)
	envInt("WORKTREE_STALE_HOURS", &cfg.Tasks.WorktreeStaleHours)
	envInt("FAILED_WORKTREE_RETENTION_HOURS", &cfg.Tasks.FailedWorktreeRetentionHours)
	envInt("PR_CHECK_TIMEOUT_MS", &cfg.Tasks.PRCheckTimeoutMs)
	envInt("PR_CHECK_POLL_MS", &cfg.Tasks.PRCheckPollMs)
	if v, ok := envBool("TASK_AUTOCLEANUP"); ok {
		cfg.Tasks.AutoCleanup = &v
	}
	if v, ok := envBool("TASK_AUTO_COMMIT"); ok {
		cfg.Tasks.AutoCommit = v
	}
	if v, ok := envBool("TASK_AUTO_PR"); ok {
		cfg.Tasks.AutoPR = v
	}

	if v := os.Getenv("CHAT_DISPATCH_MODE"); v != "" {
		cfg.Chat.DispatchMode = v
	}
	envInt("CHAT_TASK_UPDATE_POLL_MS", &cfg.Chat.TaskUpdatePollMs)
	envInt("ENGINE_TIMEOUT_MS", &cfg.Engine.TimeoutMs)

	if v := os.Getenv("TALON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONTROL_SOCKET_PATH"); v != "" {
		cfg.ControlSocketPath = v
	}
	if v := os.Getenv("WORKTREE_ROOT_DIR"); v != "" {
		cfg.Tasks.WorktreeRootDir = v
	}
	if v := os.Getenv("TALON_ENGINE_COMMAND"); v != "" {
		cfg.Engine.Command = v
	}

	// Transport secrets live in env only.
	cfg.Channels.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.Channels.Slack.AppToken = os.Getenv("SLACK_APP_TOKEN")
	cfg.Channels.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	if v := os.Getenv("TALON_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
}

func expandPaths(cfg *Config) {
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.ControlSocketPath = expandHome(cfg.ControlSocketPath)
	cfg.Tasks.WorktreeRootDir = expandHome(cfg.Tasks.WorktreeRootDir)
	if cfg.TeamMemory.Path == "" {
		cfg.TeamMemory.Path = filepath.Join(cfg.DataDir, "team-memory.db")
	} else {
		cfg.TeamMemory.Path = expandHome(cfg.TeamMemory.Path)
	}
	for i := range cfg.Repos {
		cfg.Repos[i].Path = expandHome(cfg.Repos[i].Path)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
