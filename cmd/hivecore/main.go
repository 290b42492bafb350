// Command hivecore runs the task and agent orchestration engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpadapter "hivecore/internal/adapter/mcp"
	"hivecore/internal/infra/config"
	"hivecore/internal/infra/logger"
	"hivecore/internal/usecase/locator"
)

var (
	version    = "0.1.0"
	configFlag string

	rootCmd = &cobra.Command{
		Use:           "hivecore",
		Short:         "hivecore - task and agent orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Replay the event log and run the orchestration engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), func(ctx context.Context, app *locator.App) error {
				<-ctx.Done()
				return nil
			})
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Run the engine and serve its commands as MCP tools on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), func(ctx context.Context, app *locator.App) error {
				srv := mcpadapter.New(app.Commands, version, logger.Component(app.Logger, "mcp"))
				return srv.Serve(ctx, os.Stdin, os.Stdout)
			})
		},
	}

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log into fresh projections and print pool stats as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			report, err := replay(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %d agent seeds, %d task seeds, event log %s\n",
				len(cfg.Bootstrap.Agents), len(cfg.Bootstrap.Tasks), cfg.EventLog.Driver)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hivecore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hivecore version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", defaultConfigPath(), "path to the config file")
	rootCmd.AddCommand(serveCmd, mcpCmd, replayCmd, validateCmd, versionCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("HIVECORE_CONFIG"); p != "" {
		return p
	}
	return "hivecore.yaml"
}

// runEngine loads the config, wires and recovers the engine, starts it and
// hands it to body until SIGINT/SIGTERM.
func runEngine(parent context.Context, body func(context.Context, *locator.App) error) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// stdout carries MCP frames.
	if cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := locator.Init(app); err != nil {
		_ = app.Close(context.Background())
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := locator.Dispose(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
	}()

	if err := recoverAndSeed(ctx, app); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	app.Logger.Info("hivecore started",
		"version", version,
		"event_log", cfg.EventLog.Driver,
		"executor", cfg.Executor.Kind,
		"agent_configs", len(app.Registry.ListAgentConfigs()),
		"task_configs", len(app.Manager.ListTaskConfigs()),
	)

	err = body(ctx, app)
	app.Logger.Info("hivecore stopping")
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
