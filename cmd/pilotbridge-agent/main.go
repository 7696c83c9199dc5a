// Package main is the entry point for the pilotbridge-agent binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables (setup or run)
//  2. Build logger
//  3. Load and validate the persisted configuration
//  4. Build the workspace manager, forge client, and task pipeline
//  5. Connect to the relay and dispatch inbound frames to the pipeline
//  6. Block until SIGINT/SIGTERM, then shut down the relay connection
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/agent"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var toolBinary, workspaceRoot, forgeBaseURL string

	root := &cobra.Command{
		Use:   "pilotbridge-agent",
		Short: "PilotBridge agent — relay-connected driver for a code-generation CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), toolBinary, workspaceRoot, forgeBaseURL)
		},
	}

	root.PersistentFlags().StringVar(&toolBinary, "tool", envOrDefault("PILOTBRIDGE_TOOL_BINARY", "claude"), "code-generation CLI binary to drive")
	root.PersistentFlags().StringVar(&workspaceRoot, "workspace-root", envOrDefault("PILOTBRIDGE_WORKSPACE_ROOT", defaultWorkspaceRoot()), "root directory for per-repository working copies")
	root.PersistentFlags().StringVar(&forgeBaseURL, "forge-url", envOrDefault("PILOTBRIDGE_FORGE_URL", "https://api.github.com"), "forge REST API base URL")

	root.AddCommand(newSetupCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pilotbridge-agent %s (commit %s)\n", version, commit)
		},
	}
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively configure the relay URL and forge credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup()
		},
	}
}

func runDaemon(ctx context.Context, toolBinary, workspaceRoot, forgeBaseURL string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := agent.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		// Fatal configuration error: exit 1 with an operator-readable
		// diagnostic, per §6.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace, err := agent.NewWorkspace(workspaceRoot)
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	forge := agent.NewForgeClient(forgeBaseURL, cfg.ForgeToken)
	pipeline := agent.NewPipeline(toolBinary, workspace, forge, logger)

	relayClient := agent.NewRelayClient(cfg.RelayURL, cfg.Identity, version, logger)
	display := agent.NewPairingDisplay(cfg.RelayURL)

	router := agent.NewFrameRouter(relayClient, pipeline, display, logger)
	relayClient.OnFrame(router.Handle)

	logger.Info("starting pilotbridge agent",
		zap.String("version", version),
		zap.String("identity", cfg.Identity),
		zap.String("relay_url", cfg.RelayURL),
	)

	relayClient.Run(ctx)

	logger.Info("pilotbridge agent stopped")
	return nil
}

func runSetup() error {
	cfg, err := agent.LoadConfig()
	if err != nil {
		return err
	}

	if cfg.Identity == "" {
		cfg.Identity = agent.NewIdentity()
	}

	fmt.Print("Relay URL: ")
	if _, err := fmt.Scanln(&cfg.RelayURL); err != nil {
		return fmt.Errorf("read relay URL: %w", err)
	}

	token, err := readSecret("Forge access token: ")
	if err != nil {
		return fmt.Errorf("read forge token: %w", err)
	}
	cfg.ForgeToken = token
	cfg.AuthMode = "token"

	if err := agent.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("\nConfiguration saved. Agent identity: %s\n", cfg.Identity)
	return nil
}

func defaultWorkspaceRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.pilotbridge/workspace"
	}
	return ".pilotbridge/workspace"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
