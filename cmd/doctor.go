package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/talon/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("talon doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Engine:")
	if cfg.Engine.Command == "" {
		fmt.Printf("    %-12s (not configured)\n", "Command:")
	} else if path, err := exec.LookPath(cfg.Engine.Command); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", "Command:", cfg.Engine.Command)
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", path)
	}
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.EngineTimeout())

	fmt.Println()
	fmt.Println("  Dispatch:")
	fmt.Printf("    %-12s %s\n", "Mode:", cfg.Chat.DispatchMode)
	fmt.Printf("    %-12s %s\n", "Sockets:", filepath.Join(filepath.Dir(cfg.ControlSocketPath), "session-control"))

	fmt.Println()
	fmt.Println("  Repositories:")
	if len(cfg.Repos) == 0 {
		fmt.Println("    (none configured — task dispatch will be refused)")
	}
	for _, r := range cfg.Repos {
		status := "OK"
		if _, err := os.Stat(filepath.Join(r.Path, ".git")); err != nil {
			status = "NOT A GIT REPO"
		}
		label := r.ID
		if r.Default {
			label += " (default)"
		}
		fmt.Printf("    %-16s %s (%s)\n", label+":", r.Path, status)
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Slack", cfg.Channels.Slack.Enabled,
		cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Gateway", cfg.Gateway.Enabled, true)

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("gh")

	fmt.Println()
	fmt.Printf("  Data dir:  %s", cfg.DataDir)
	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println(" (will be created)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Worktrees: %s\n", cfg.Tasks.WorktreeRootDir)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
