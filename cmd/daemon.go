package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/talon/internal/alias"
	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/channels"
	"github.com/nextlevelbuilder/talon/internal/channels/discord"
	"github.com/nextlevelbuilder/talon/internal/channels/slack"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/control"
	"github.com/nextlevelbuilder/talon/internal/engine"
	"github.com/nextlevelbuilder/talon/internal/gateway"
	"github.com/nextlevelbuilder/talon/internal/github"
	"github.com/nextlevelbuilder/talon/internal/health"
	"github.com/nextlevelbuilder/talon/internal/orchestrator"
	"github.com/nextlevelbuilder/talon/internal/session"
	"github.com/nextlevelbuilder/talon/internal/store"
	"github.com/nextlevelbuilder/talon/internal/task"
	"github.com/nextlevelbuilder/talon/internal/teammemory"
	"github.com/nextlevelbuilder/talon/internal/worktree"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the Talon daemon (control plane + task orchestrator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// taskProxy late-binds the orchestrator behind the gateway's submitter
// interface; the gateway is constructed first so the orchestrator can
// publish events through it.
type taskProxy struct {
	mu   sync.RWMutex
	orch *orchestrator.Orchestrator
}

func (p *taskProxy) set(o *orchestrator.Orchestrator) {
	p.mu.Lock()
	p.orch = o
	p.mu.Unlock()
}

func (p *taskProxy) Submit(req task.SubmitRequest) (*task.Record, error) {
	p.mu.RLock()
	o := p.orch
	p.mu.RUnlock()
	if o == nil {
		return nil, fmt.Errorf("orchestrator not ready")
	}
	return o.Submit(req)
}

func runDaemon() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Engine.Command == "" {
		return fmt.Errorf("engine command is not configured (set engine.command or TALON_ENGINE_COMMAND)")
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	reg, err := alias.NewRegistry(st)
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	eng := engine.NewProcessEngine(cfg.Engine.Command, cfg.Engine.Args, cfg.EngineTimeout())
	gh := github.NewClient()

	wt, err := worktree.NewManager(cfg.Tasks.WorktreeRootDir)
	if err != nil {
		return fmt.Errorf("init worktree root: %w", err)
	}

	mem, err := teammemory.Open(cfg.TeamMemory.Path)
	if err != nil {
		slog.Warn("team memory unavailable", "path", cfg.TeamMemory.Path, "error", err)
		mem = nil
	}

	// Gateway first: the orchestrator and control plane publish events
	// through it. Task submission is late-bound via the proxy.
	proxy := &taskProxy{}
	var orch *orchestrator.Orchestrator
	healthFn := func() interface{} {
		if orch == nil {
			return map[string]string{"status": "starting"}
		}
		return evaluateHealth(cfg, orch, wt)
	}
	gw := gateway.NewServer(cfg.Gateway, healthFn, proxy)

	ocfg := orchestrator.Config{
		MaxConcurrency:  cfg.Tasks.MaxConcurrency,
		MaxRetries:      cfg.Tasks.WorkerMaxRetries,
		AutoCleanup:     cfg.AutoCleanupEnabled(),
		AutoCommit:      cfg.Tasks.AutoCommit,
		AutoPR:          cfg.Tasks.AutoPR,
		PRCheckTimeout:  cfg.PRCheckTimeout(),
		PRCheckPoll:     cfg.PRCheckPoll(),
		WorktreeStale:   time.Duration(cfg.Tasks.WorktreeStaleHours) * time.Hour,
		FailedRetention: time.Duration(cfg.Tasks.FailedWorktreeRetentionHours) * time.Hour,
		Repos:           cfg.Repos,
	}
	oopts := []orchestrator.Option{orchestrator.WithEvents(gw)}
	if github.Available() {
		oopts = append(oopts, orchestrator.WithGitHub(gh))
	} else if cfg.Tasks.AutoPR {
		slog.Warn("auto_pr enabled but gh CLI not found; PRs will not be opened")
	}
	if mem != nil {
		oopts = append(oopts, orchestrator.WithTeamMemory(mem))
	}
	orch, err = orchestrator.New(ocfg, st, eng, wt, oopts...)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	proxy.set(orch)

	ccfg := control.Config{
		SocketDir:      filepath.Dir(cfg.ControlSocketPath),
		DispatchMode:   cfg.Chat.DispatchMode,
		DedupeWindow:   cfg.DedupeWindow(),
		SessionTTL:     cfg.SessionTTL(),
		TaskUpdatePoll: cfg.TaskUpdatePoll(),
		Session: session.Config{
			MaxMessages:     cfg.Sessions.MaxMessages,
			MaxQueue:        cfg.Sessions.MaxQueuePerSession,
			MaxMessageBytes: cfg.Sessions.MaxMessageBytes,
			DedupeWindow:    cfg.DedupeWindow(),
		},
	}
	cp := control.New(ccfg, st, eng, gh, reg,
		control.WithTasks(orch),
		control.WithEvents(gw),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatch := func(m bus.InboundMessage, reply bus.ReplyFunc) {
		cp.Dispatch(m, reply)
	}
	mgr := channels.NewManager()
	if cfg.Channels.Slack.Enabled {
		ch, err := slack.New(cfg.Channels.Slack, dispatch)
		if err != nil {
			slog.Error("slack channel disabled", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, dispatch)
		if err != nil {
			slog.Error("discord channel disabled", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	mgr.StartAll(ctx)

	if cfg.Gateway.Enabled {
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	// Hot-reload: dispatch mode applies live; everything else needs a
	// restart.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		cp.SetDispatchMode(next.Chat.DispatchMode)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	slog.Info("talon daemon started",
		"version", Version,
		"data_dir", cfg.DataDir,
		"socket_dir", filepath.Dir(cfg.ControlSocketPath),
		"dispatch_mode", cfg.Chat.DispatchMode,
		"repos", len(cfg.Repos),
		"channels", mgr.Names(),
	)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.StopAll(shutdownCtx)
	if cfg.Gateway.Enabled {
		if err := gw.Stop(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}
	cp.Close()
	orch.Close()
	if mem != nil {
		mem.Close()
	}
	slog.Info("shutdown complete")
	return nil
}

func evaluateHealth(cfg *config.Config, orch *orchestrator.Orchestrator, wt *worktree.Manager) health.Snapshot {
	tasks := make(map[string]*task.Record)
	for _, rec := range orch.List() {
		tasks[rec.ID] = rec
	}
	infos, err := wt.List()
	if err != nil {
		slog.Warn("worktree listing failed", "error", err)
	}
	return health.Evaluate(tasks, orch.RunningIDs(), infos, time.Now(), health.Thresholds{
		StaleRunning:  2 * cfg.EngineTimeout(),
		StaleQueued:   24 * time.Hour,
		StaleWorktree: time.Duration(cfg.Tasks.WorktreeStaleHours) * time.Hour,
	})
}
