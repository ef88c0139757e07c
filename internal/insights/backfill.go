package insights

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// BackfillOptions controls a batch run.
type BackfillOptions struct {
	Limit  int
	DryRun bool
}

// BackfillReport aggregates per-conversation results of a batch run.
type BackfillReport struct {
	Scanned int      `json:"scanned"`
	Updated int      `json:"updated"`
	DryRun  bool     `json:"dry_run"`
	Results []Result `json:"results"`
}

// ClampLimit applies the default and maximum batch size.
func (p *Pipeline) ClampLimit(limit int) int {
	def, max := p.BackfillDefault, p.BackfillMax
	if def <= 0 {
		def = 50
	}
	if max <= 0 {
		max = 500
	}
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	}
	return limit
}

// Backfill runs the pipeline in backfill mode over the most recently active
// conversations, newest first. A failing conversation is recorded in the
// report and does not stop the scan. Only a failed listing or a cancelled
// context returns an error; the partial report is returned with it.
func (p *Pipeline) Backfill(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	limit := p.ClampLimit(opts.Limit)
	ctx, span := otel.Tracer("insights/Pipeline").Start(ctx, "Backfill",
		trace.WithAttributes(
			attribute.Int("limit", limit),
			attribute.Bool("dry_run", opts.DryRun),
		),
	)
	defer span.End()

	convs, err := repo.ListRecentConversations(ctx, p.db, limit)
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{DryRun: opts.DryRun, Results: make([]Result, 0, len(convs))}
	for _, c := range convs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		res, err := p.Run(ctx, c.ID, ModeBackfill, Input{DryRun: opts.DryRun})
		if res == nil {
			res = &Result{SessionID: c.ID, RiskLevel: c.RiskLevel, Status: statusForError(err)}
			if err != nil {
				res.Error = err.Error()
			}
		}
		if res.Status == StatusUpdated || res.Status == StatusDryRunUpdate {
			report.Updated++
		}
		report.Results = append(report.Results, *res)
	}

	p.Log.Info().
		Int("scanned", report.Scanned).
		Int("updated", report.Updated).
		Bool("dry_run", opts.DryRun).
		Msg("backfill finished")
	return report, nil
}

func statusForError(err error) Status {
	switch {
	case err == nil:
		return StatusUnchanged
	case errors.Is(err, ErrUpstream):
		return StatusGeminiError
	case errors.Is(err, ErrNotFound):
		// Deleted between listing and loading.
		return StatusSkippedNoTranscript
	}
	return StatusUpdateError
}
