package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/process"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/mcp"
	"github.com/rendis/procflow/pkg/schema"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "procflow",
		Short:         "Process engine with withdraw and rollback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("db-path", "", "database path (default: ~/.procflow/procflow.db)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(serveCmd(), migrateCmd(), verifyCmd(), versionCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate the database, start the scheduler and serve MCP over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(procflowDir(), cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(procflowDir(), cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if vacuum {
				if err := st.Vacuum(cmd.Context()); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s\n", cfg.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the database after migrating")
	return cmd
}

// verifyCmd replays the event log of each instance and compares it with the
// stored activity states. Without arguments every active instance is checked.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [process-instance-id...]",
		Short: "Check stored activity states against the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(procflowDir(), cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return verify(cmd.Context(), st, args, cmd.OutOrStdout())
		},
	}
}

func verify(ctx context.Context, st *store.LibSQLStore, ids []string, out io.Writer) error {
	if len(ids) == 0 {
		active := schema.ProcessStatusActive
		instances, err := st.ListProcessInstances(ctx, store.InstanceFilter{Status: &active})
		if err != nil {
			return fmt.Errorf("list active instances: %w", err)
		}
		for _, pi := range instances {
			ids = append(ids, pi.ID)
		}
	}

	el := store.NewEventLog(st)
	failed := 0
	for _, id := range ids {
		if err := el.Verify(ctx, id); err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instances inconsistent", failed, len(ids))
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// openStore opens the database and applies migrations.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if !strings.Contains(cfg.DBPath, "://") {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func serve(ctx context.Context, cfg Config) error {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := expressions.NewRegistry()
	if err != nil {
		return fmt.Errorf("expressions: %w", err)
	}
	validator, err := validation.NewProcessValidator(reg)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	rt := engine.NewRuntime(st, store.NewEventLog(st), reg, validator, engine.Options{
		ExcludeCanceledHistory: cfg.ExcludeCanceledHistory,
		MaxSteps:               cfg.MaxSteps,
		Logger:                 logger,
	})
	svc := process.NewService(rt, rt, logger)
	sched := scheduler.NewScheduler(st, rt, cfg.SchedulerInterval, logger)

	srv := mcp.NewServer(mcp.ServerDeps{
		Flow:      svc,
		Engine:    rt,
		Scheduler: sched,
		Logger:    logger,
	})

	if n, err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("missed runs recovered", slog.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})
	g.Go(func() error {
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			// stdin closed: bring the scheduler down too.
			return errStdinClosed
		}
		return err
	})

	logger.Info("procflow serving", slog.String("db_path", cfg.DBPath), slog.String("version", version))
	if err := g.Wait(); err != nil && !errors.Is(err, errStdinClosed) {
		return err
	}
	return nil
}

var errStdinClosed = errors.New("stdin closed")
