// Command backfill recomputes session titles, risk levels and summaries for
// the most recently active conversations and prints a JSON report.
//
//	backfill --limit 100 --dry-run
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbourn/mentor-chat-backend/internal/config"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/observability"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/sysutil"
)

type backfiller interface {
	Backfill(ctx context.Context, opts insights.BackfillOptions) (*insights.BackfillReport, error)
}

type backfillFlags struct {
	limit       int
	dryRun      bool
	failOnError bool
}

func main() {
	ctx, stop := signalContext()
	err := newRootCmd(buildPipeline).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd wires flags to run; build supplies the backfiller and a cleanup.
func newRootCmd(build func(ctx context.Context) (backfiller, func(), error)) *cobra.Command {
	var f backfillFlags
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Recompute session metadata for recent conversations",
		Long: `backfill runs the session metadata pipeline over the most recently
active conversations, newest first, and prints a JSON report with one
result per conversation.

Examples:
  backfill --limit 100
  backfill --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       sysutil.Version(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd.Context(), b, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Conversations to scan (0 uses the configured default, capped at the configured max)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Compute metadata without writing it")
	cmd.Flags().BoolVar(&f.failOnError, "fail-on-error", false, "Exit non-zero when any conversation failed")
	return cmd
}

func run(ctx context.Context, b backfiller, f backfillFlags, out io.Writer) error {
	report, err := b.Backfill(ctx, insights.BackfillOptions{Limit: f.limit, DryRun: f.dryRun})
	if report != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil && err == nil {
			err = encErr
		}
	}
	if err != nil {
		return err
	}
	if f.failOnError {
		if n := failures(report); n > 0 {
			return fmt.Errorf("%d of %d conversations failed", n, report.Scanned)
		}
	}
	return nil
}

func failures(r *insights.BackfillReport) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == insights.StatusGeminiError || res.Status == insights.StatusUpdateError {
			n++
		}
	}
	return n
}

func buildPipeline(ctx context.Context) (backfiller, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := sysutil.InitLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, "backfill")

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, "backfill", sysutil.Version())
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}
	db, err := repo.Open(cfg.DB)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	p := insights.NewPipeline(db, llm.New(cfg.Gemini, llm.WithLogger(logger)), cfg.Pipeline, logger)
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = shutdownTracing(context.Background())
	}
	return p, cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM so a long scan stops between
// conversations and still prints its partial report.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
