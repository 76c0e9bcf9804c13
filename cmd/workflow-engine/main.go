package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/config"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "workflow-engine",
		Short:         "DAG workflow engine backed by a durable Postgres job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml or json); env vars override it")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			slog.Error("config load failed", "error", err)
			return config.Config{}, err
		}
		setupLogging(cfg.LogLevel)
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API, workers, triggers and maintenance",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run workers and maintenance only",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return work(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create missing tables and indexes",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				db, err := openDB(cfg)
				if err != nil {
					return err
				}
				if err := store.EnsureSchema(db); err != nil {
					slog.Error("db migrate failed", "error", err)
					return err
				}
				slog.Info("schema up to date")
				return nil
			},
		},
		newValidateCmd(),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a JSON or YAML workflow definition and print its topological order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			parse := dag.Parse
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				parse = dag.ParseYAML
			}
			def, err := parse(raw)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %v\n", err)
				return err
			}
			order, err := dag.Build(def).TopologicalOrder()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %v\n", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes, trigger %s\n", len(order), def.TriggerType())
			for i, id := range order {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, id)
			}
			return nil
		},
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
