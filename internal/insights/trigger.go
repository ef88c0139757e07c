package insights

import (
	"time"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// SummaryEvery is the turn cadence at which an existing summary is recomputed.
const SummaryEvery = 6

// Trigger reasons reported in Decision.Reasons.
const (
	ReasonNoSummary   = "no_summary"
	ReasonTurnCadence = "turn_cadence"
	ReasonIdle        = "idle"
	ReasonTitleOpen   = "title_open"
)

// ModeConfig parameterizes one operating mode of the pipeline.
type ModeConfig struct {
	IdleThreshold time.Duration
	Window        int
	CharCap       int
}

// TriggerState is the snapshot the evaluator decides on.
type TriggerState struct {
	HasSummary  bool
	TurnCount   int
	UserTurns   int
	Idle        time.Duration
	TitleSource domain.TitleSource
}

// Decision says which LLM calls a run should make.
type Decision struct {
	Summarize bool
	Title     bool
	Reasons   []string
}

// Skip reports whether no LLM call is warranted.
func (d Decision) Skip() bool { return !d.Summarize && !d.Title }

// Evaluate is a pure function of its inputs; the same state always yields the
// same decision.
func Evaluate(s TriggerState, m ModeConfig) Decision {
	var d Decision

	if !s.HasSummary {
		d.Summarize = true
		d.Reasons = append(d.Reasons, ReasonNoSummary)
	}
	if s.TurnCount >= SummaryEvery && s.TurnCount%SummaryEvery == 0 {
		d.Summarize = true
		d.Reasons = append(d.Reasons, ReasonTurnCadence)
	}
	if m.IdleThreshold > 0 && s.Idle >= m.IdleThreshold {
		d.Summarize = true
		d.Reasons = append(d.Reasons, ReasonIdle)
	}

	if !s.TitleSource.Frozen() && s.UserTurns >= 1 {
		d.Title = true
		d.Reasons = append(d.Reasons, ReasonTitleOpen)
	}
	return d
}
