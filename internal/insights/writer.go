package insights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// SummaryWrite is the normalized summary state to store.
type SummaryWrite struct {
	Summary      string
	RiskLevel    domain.RiskLevel
	Reason       string
	MessageCount int // turns in the conversation when the summary was computed
}

// SummaryOutcome reports what WriteSummary actually stored.
type SummaryOutcome struct {
	RiskLevel domain.RiskLevel // effective level after the downgrade policy
	RiskHeld  bool             // a lower level was computed but caution was kept
}

// Writer merges normalized metadata into chat_sessions.
type Writer struct {
	DB *gorm.DB

	// DowngradeTurns is how many turns must be appended after a caution
	// classification before a lower level may replace it. 0 always allows,
	// negative never allows.
	DowngradeTurns int

	Log zerolog.Logger
	Now func() time.Time
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// WriteTitle stores title unless the conversation's title is frozen. It
// returns the title now stored and whether this call wrote it.
func (w *Writer) WriteTitle(ctx context.Context, conversationID, title string, source domain.TitleSource) (string, bool, error) {
	ctx, span := otel.Tracer("insights/Writer").Start(ctx, "WriteTitle",
		trace.WithAttributes(
			attribute.String("session.id", conversationID),
			attribute.String("title.source", string(source)),
		),
	)
	defer span.End()

	wrote, err := repo.UpdateTitleUnlessFrozen(ctx, w.DB, conversationID, title, source, w.now())
	if err != nil {
		return title, false, fmt.Errorf("%w: title: %v", ErrPersist, err)
	}
	if wrote {
		return title, true, nil
	}

	// Frozen between load and write; report what is stored.
	conv, err := repo.GetConversation(ctx, w.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return title, false, ErrNotFound
		}
		return title, false, fmt.Errorf("%w: reload: %v", ErrPersist, err)
	}
	w.Log.Debug().Str("session_id", conversationID).Str("title_source", string(conv.TitleSource)).Msg("title frozen, write skipped")
	return conv.Title, false, nil
}

// WriteSummary overwrites summary and risk level together. The write is a
// version compare-and-swap against conv; on a lost race it reloads once and
// retries, then gives up with ErrConflict.
func (w *Writer) WriteSummary(ctx context.Context, conv *domain.Conversation, s SummaryWrite) (SummaryOutcome, error) {
	ctx, span := otel.Tracer("insights/Writer").Start(ctx, "WriteSummary",
		trace.WithAttributes(
			attribute.String("session.id", conv.ID),
			attribute.String("risk.level", string(s.RiskLevel)),
		),
	)
	defer span.End()

	current := conv
	for attempt := 0; attempt < 2; attempt++ {
		u, out := w.plan(current, s)
		ok, err := repo.UpdateSummaryIfVersion(ctx, w.DB, current.ID, current.Version, u)
		if err != nil {
			return out, fmt.Errorf("%w: summary: %v", ErrPersist, err)
		}
		if ok {
			if out.RiskHeld {
				w.Log.Warn().
					Str("session_id", current.ID).
					Str("computed", string(s.RiskLevel)).
					Int("turns_since_caution", s.MessageCount-current.CautionMessageCount).
					Msg("risk downgrade held, caution kept")
			}
			return out, nil
		}

		reloaded, err := repo.GetConversation(ctx, w.DB, current.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return out, ErrNotFound
			}
			return out, fmt.Errorf("%w: reload: %v", ErrPersist, err)
		}
		current = reloaded
	}
	_, out := w.plan(current, s)
	return out, ErrConflict
}

// plan applies the risk downgrade policy to s against the stored state.
func (w *Writer) plan(conv *domain.Conversation, s SummaryWrite) (repo.SummaryUpdate, SummaryOutcome) {
	level := s.RiskLevel
	cautionAt := 0
	held := false

	switch {
	case level == domain.RiskCaution:
		cautionAt = s.MessageCount
	case conv.RiskLevel == domain.RiskCaution && !w.downgradeAllowed(conv, s.MessageCount):
		level = domain.RiskCaution
		cautionAt = conv.CautionMessageCount
		held = true
	}

	reason := s.Reason
	if held {
		reason = conv.RiskReason
	}
	return repo.SummaryUpdate{
		Summary:             s.Summary,
		RiskLevel:           level,
		RiskReason:          reason,
		CautionMessageCount: cautionAt,
		At:                  w.now(),
	}, SummaryOutcome{RiskLevel: level, RiskHeld: held}
}

func (w *Writer) downgradeAllowed(conv *domain.Conversation, messageCount int) bool {
	switch {
	case w.DowngradeTurns == 0:
		return true
	case w.DowngradeTurns < 0:
		return false
	}
	return messageCount-conv.CautionMessageCount >= w.DowngradeTurns
}
