package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/urbanpulse/conductor/internal/agents"
	"github.com/urbanpulse/conductor/internal/definition"
	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/logging"
	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/scheduler"
	"github.com/urbanpulse/conductor/internal/secrets"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/internal/streaming"
	"github.com/urbanpulse/conductor/pkg/mcp"
	"github.com/urbanpulse/conductor/pkg/schema"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Multi-agent workflow orchestrator for urban data pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to conductor.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newStatusCmd(&configPath),
		newCancelCmd(&configPath),
		newValidateCmd(),
		newSyncCmd(&configPath),
		newSecretCmd(&configPath),
		newGraphCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// runtime bundles the wired components shared by the commands.
type runtime struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	eventLog *store.EventLog
	registry *agents.Registry
	loader   *definition.Loader
	service  *orchestrator.Service
	sched    *scheduler.Scheduler
	vault    secrets.Vault
	hub      *streaming.MemoryHub
}

func newRuntime(configPath string) (*runtime, error) {
	cfg := loadConfig(configPath)
	logger := newLogger(cfg)

	if err := os.MkdirAll(conductorDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create conductor dir: %w", err)
	}

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	vault, err := openVault(cfg, s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}

	registry := agents.NewRegistry()
	if err := agents.RegisterBuiltinsWith(registry, agents.HTTPOptions{Vault: vault}); err != nil {
		s.Close()
		return nil, fmt.Errorf("register agents: %w", err)
	}

	loader, err := definition.NewLoader(registry, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create loader: %w", err)
	}

	el := store.NewEventLog(s)
	hub := streaming.NewMemoryHub()
	// The bridge tees persisted events into the hub for live subscribers.
	exec, err := engine.NewExecutor(s, streaming.NewLogBridge(el, hub), registry, engine.ExecutorConfig{
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create executor: %w", err)
	}

	service := orchestrator.NewService(s, el, exec, logger)
	sched := scheduler.NewScheduler(s, service, cfg.tickInterval(), logger)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		eventLog: el,
		registry: registry,
		loader:   loader,
		service:  service,
		sched:    sched,
		vault:    vault,
		hub:      hub,
	}, nil
}

func (rt *runtime) close() {
	rt.store.Close()
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newServeCmd(configPath *string) *cobra.Command {
	var workflowsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server and trigger scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dir := workflowsDir
			if dir == "" {
				dir = rt.cfg.WorkflowsDir
			}
			if _, statErr := os.Stat(dir); statErr == nil {
				n, syncErr := rt.loader.Sync(ctx, rt.store, dir)
				if syncErr != nil {
					return fmt.Errorf("sync workflows: %w", syncErr)
				}
				rt.logger.Info("workflows synced", "dir", dir, "count", n)
			}

			if err := rt.sched.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if stopErr := rt.sched.Stop(); stopErr != nil {
					rt.logger.Error("scheduler stop failed", "error", stopErr.Error())
				}
			}()

			srv := mcp.NewConductorServer(mcp.ConductorServerDeps{
				Service:  rt.service,
				Store:    rt.store,
				Triggers: rt.sched,
				Loader:   rt.loader,
				Hub:      rt.hub,
				Logger:   rt.logger,
			})

			rt.logger.Info("conductor serving", "db", rt.cfg.DBPath)
			err = srv.Serve(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if sErr := rt.service.Shutdown(shutdownCtx); sErr != nil {
				rt.logger.Error("orchestrator shutdown incomplete", "error", sErr.Error())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&workflowsDir, "workflows", "", "directory of workflow YAML files to sync at startup")
	return cmd
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		version   string
		inputsRaw string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Launch a run of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			var inputs map[string]any
			if inputsRaw != "" {
				if err := json.Unmarshal([]byte(inputsRaw), &inputs); err != nil {
					return fmt.Errorf("parse inputs: %w", err)
				}
			}

			run, err := rt.service.Submit(cmd.Context(), orchestrator.SubmitRequest{
				WorkflowName: args[0],
				Version:      version,
				Inputs:       inputs,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), run.ID)

			// The run executes in this process, so always see it through.
			final, err := rt.service.Wait(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, final); err != nil {
				return err
			}
			if final.Status != schema.RunStatusSucceeded {
				return fmt.Errorf("run %s %s", final.ID, final.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "workflow version (default: latest)")
	cmd.Flags().StringVar(&inputsRaw, "inputs", "", "run inputs as a JSON object")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the phase and agent state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			snap, err := rt.service.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}

func newCancelCmd(configPath *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.service.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "cancellation reason")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Validate workflow definition files without registering them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := agents.NewRegistry()
			if err := agents.RegisterBuiltins(registry); err != nil {
				return err
			}
			loader, err := definition.NewLoader(registry, slog.New(slog.NewTextHandler(os.Stderr, nil)))
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				info, statErr := os.Stat(path)
				if statErr != nil {
					return statErr
				}

				if info.IsDir() {
					defs, dirErr := loader.LoadDir(path)
					if dirErr != nil {
						failed++
						fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, dirErr)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (%d workflows)\n", path, len(defs))
					continue
				}

				def, fileErr := loader.LoadFile(path)
				if fileErr != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, fileErr)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (%s v%s, %d phases)\n", path, def.Name, def.Version, len(def.Phases))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d paths failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <dir>",
		Short: "Register all workflow definitions from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			n, err := rt.loader.Sync(cmd.Context(), rt.store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d workflows\n", n)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conductor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
