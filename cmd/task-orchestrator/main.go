// Command task-orchestrator runs the async generation dispatch service:
// it consumes GenerationRequested/GenerationCancelled events, drives
// each task through the Task Store's state machine, and serves an
// admin HTTP surface (health, metrics, circuit-breaker status).
// Flag/config wiring follows the teacher's cobra root command plus
// viper-backed settings resolution, narrowed to this service's own
// configuration surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/genkernel/orchestrator/internal/bootstrap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "task-orchestrator",
		Short: "Runs the async media-generation dispatch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(newMigrateCommand())
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	svc.Logger.Info("task-orchestrator started", "admin_addr", cfg.AdminAddr, "workers", cfg.Workers)

	<-ctx.Done()
	svc.Logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	return nil
}

// newMigrateCommand exposes EnsureSchema/goose migration as a one-shot
// operational command, distinct from the serve path so deployments can
// run it in an init container ahead of the main process.
func newMigrateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending Task Store schema migrations and exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			svc, err := bootstrap.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			svc.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	return cmd
}
