package insights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/config"
	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/observability"
)

// Mode selects the operating mode of a run.
type Mode string

const (
	ModeFastPath Mode = "fast_path"
	ModeBackfill Mode = "backfill"
)

// Status is the per-run outcome reported to callers and in backfill reports.
type Status string

const (
	StatusUpdated             Status = "updated"
	StatusUnchanged           Status = "unchanged"
	StatusDryRunUpdate        Status = "dry_run_update"
	StatusSkippedNoTranscript Status = "skipped_no_transcript"
	StatusGeminiError         Status = "gemini_error"
	StatusUpdateError         Status = "update_error"
)

// PersistWarning is attached to results whose durable write failed.
const PersistWarning = "metadata computed but not saved; it will be retried"

// Input carries optional caller context for a run.
type Input struct {
	// Title is the caller's view of the current title; used only as a
	// fallback seed.
	Title string
	// FirstMessage seeds the fallback title when no user message is stored.
	FirstMessage string
	// Transcript is used only when no messages are stored yet.
	Transcript []Turn
	// DryRun computes everything but writes nothing.
	DryRun bool
}

// Result is the outcome of one run. Title, RiskLevel and Summary always
// reflect the computed state, even when persisting it failed.
type Result struct {
	SessionID    string             `json:"session_id"`
	Status       Status             `json:"status"`
	Title        string             `json:"title,omitempty"`
	TitleSource  domain.TitleSource `json:"title_source,omitempty"`
	RiskLevel    domain.RiskLevel   `json:"risk_level"`
	Summary      string             `json:"summary,omitempty"`
	Skipped      bool               `json:"skipped"`
	MessageCount int                `json:"message_count"`
	RiskHeld     bool               `json:"risk_held,omitempty"`
	Warning      string             `json:"warning,omitempty"`
	Reasons      []string           `json:"reasons,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Pipeline runs load, evaluate, prompt, generate, normalize and persist for
// one conversation at a time.
type Pipeline struct {
	Loader     *Loader
	LLM        llm.Generator
	Normalizer *Normalizer
	Writer     *Writer

	Modes      map[Mode]ModeConfig
	TitleMax   int
	LLMTimeout time.Duration

	BackfillDefault int
	BackfillMax     int

	Log zerolog.Logger
	Now func() time.Time

	// db backs the backfill scan.
	db *gorm.DB
}

// NewPipeline wires a Pipeline from configuration.
func NewPipeline(db *gorm.DB, gen llm.Generator, cfg config.PipelineConfig, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Loader:     &Loader{DB: db},
		LLM:        gen,
		Normalizer: NewNormalizer(),
		Writer:     &Writer{DB: db, DowngradeTurns: cfg.RiskDowngradeTurns, Log: log},
		Modes: map[Mode]ModeConfig{
			ModeFastPath: {IdleThreshold: cfg.FastIdle, Window: cfg.Window, CharCap: cfg.CharCap},
			ModeBackfill: {IdleThreshold: cfg.BackfillIdle, Window: cfg.Window, CharCap: cfg.CharCap},
		},
		TitleMax:        cfg.TitleMaxAuto,
		LLMTimeout:      cfg.LLMTimeout,
		BackfillDefault: cfg.BackfillDefault,
		BackfillMax:     cfg.BackfillMax,
		Log:             log,
		db:              db,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Run executes the pipeline for one conversation.
//
// Errors: ErrNotFound (terminal), ErrUpstream when the summary call failed,
// ErrPersist or ErrConflict when writing failed. For the last three a non-nil
// Result is returned alongside the error.
func (p *Pipeline) Run(ctx context.Context, conversationID string, mode Mode, in Input) (*Result, error) {
	ctx, span := otel.Tracer("insights/Pipeline").Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("session.id", conversationID),
			attribute.String("mode", string(mode)),
			attribute.Bool("dry_run", in.DryRun),
		),
	)
	defer span.End()

	res, err := p.run(ctx, conversationID, mode, in)
	if res != nil {
		observability.PipelineRuns.WithLabelValues(string(mode), string(res.Status)).Inc()
		span.SetAttributes(attribute.String("status", string(res.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, conversationID string, mode Mode, in Input) (*Result, error) {
	mc, ok := p.Modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	log := p.Log.With().Str("session_id", conversationID).Str("mode", string(mode)).Logger()
	opt := LoadOptions{Window: mc.Window, CharCap: mc.CharCap}

	tr, err := p.Loader.Load(ctx, conversationID, opt)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if tr.Empty() && len(in.Transcript) > 0 {
		FromRequest(tr, in.Transcript, opt, now)
	}

	conv := tr.Conversation
	res := &Result{
		SessionID:    conversationID,
		Title:        conv.Title,
		TitleSource:  conv.TitleSource,
		RiskLevel:    conv.RiskLevel,
		Summary:      conv.Summary,
		MessageCount: tr.Total,
	}

	if tr.Empty() {
		res.Status = StatusSkippedNoTranscript
		res.Skipped = true
		return res, nil
	}

	d := Evaluate(TriggerState{
		HasSummary:  conv.Summary != "",
		TurnCount:   tr.Total,
		UserTurns:   tr.UserTurns,
		Idle:        now.Sub(tr.LastActivity),
		TitleSource: conv.TitleSource,
	}, mc)
	res.Reasons = d.Reasons
	if d.Skip() {
		res.Status = StatusUnchanged
		res.Skipped = true
		return res, nil
	}

	// Generate.
	var (
		title      *TitleMeta
		summary    *SummaryMeta
		upstreamEr error
	)
	if d.Title {
		// The title call's risk_level is advisory. Stored risk only moves
		// together with a summary.
		seed := firstNonBlank(tr.FirstUserMessage, in.FirstMessage, conv.Title, in.Title)
		raw, err := p.generate(ctx, "title", BuildTitlePrompt(tr.Turns, conv.Title, p.TitleMax))
		var m TitleMeta
		if err != nil {
			log.Warn().Err(err).Msg("title generation failed, using fallback title")
			m = p.Normalizer.FallbackTitle(seed, p.TitleMax)
		} else {
			m = p.Normalizer.Title(raw, seed, p.TitleMax)
		}
		title = &m
	}
	if d.Summarize {
		raw, err := p.generate(ctx, "summary", BuildSummaryPrompt(tr.Turns))
		if err != nil {
			upstreamEr = fmt.Errorf("%w: %v", ErrUpstream, err)
			log.Error().Err(err).Msg("summary generation failed")
		} else {
			m := p.Normalizer.Summary(raw)
			summary = &m
		}
	}

	changed := false
	if title != nil {
		source := domain.TitleSourceAI
		if title.Fallback {
			source = domain.TitleSourceFallback
		}
		if title.Title != conv.Title || source != conv.TitleSource {
			changed = true
		}
		res.Title, res.TitleSource = title.Title, source
	}
	if summary != nil {
		changed = true
		res.Summary = summary.Summary
		res.RiskLevel = summary.RiskLevel
	}

	if in.DryRun {
		switch {
		case upstreamEr != nil:
			res.Status = StatusGeminiError
			res.Error = upstreamEr.Error()
			return res, upstreamEr
		case changed:
			res.Status = StatusDryRunUpdate
		default:
			res.Status = StatusUnchanged
		}
		return res, nil
	}

	// Persist: summary first so its version check is not invalidated by our
	// own title write.
	wrote := false
	if summary != nil {
		out, err := p.Writer.WriteSummary(ctx, conv, SummaryWrite{
			Summary:      summary.Summary,
			RiskLevel:    summary.RiskLevel,
			Reason:       summary.Reason,
			MessageCount: tr.Total,
		})
		res.RiskLevel, res.RiskHeld = out.RiskLevel, out.RiskHeld
		if err != nil {
			return p.persistFailed(res, err, log)
		}
		wrote = true
	}
	if title != nil && (res.Title != conv.Title || res.TitleSource != conv.TitleSource) {
		stored, ok, err := p.Writer.WriteTitle(ctx, conversationID, res.Title, res.TitleSource)
		if err != nil {
			return p.persistFailed(res, err, log)
		}
		if ok {
			wrote = true
		} else {
			res.Title, res.TitleSource = stored, conv.TitleSource
		}
	}

	switch {
	case upstreamEr != nil:
		res.Status = StatusGeminiError
		res.Error = upstreamEr.Error()
		return res, upstreamEr
	case wrote:
		res.Status = StatusUpdated
	default:
		res.Status = StatusUnchanged
	}
	log.Debug().Str("status", string(res.Status)).Strs("reasons", d.Reasons).Msg("pipeline run complete")
	return res, nil
}

func (p *Pipeline) persistFailed(res *Result, err error, log zerolog.Logger) (*Result, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	log.Error().Err(err).Msg("metadata write failed")
	res.Status = StatusUpdateError
	res.Warning = PersistWarning
	res.Error = err.Error()
	return res, err
}

// generate bounds one model call by LLMTimeout and records metrics.
func (p *Pipeline) generate(ctx context.Context, kind, prompt string) (string, error) {
	if p.LLM == nil {
		return "", llm.ErrNotConfigured
	}
	if p.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.LLMTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := p.LLM.GenerateContent(ctx, prompt, llm.GenerationConfig{ResponseMIMEType: "application/json"})
	observability.LLMLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	observability.LLMRequests.WithLabelValues(kind, observability.Outcome(err)).Inc()
	return out, err
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if v != "" && v != domain.UntitledTitle {
			return v
		}
	}
	return ""
}
