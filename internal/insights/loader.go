// Package insights derives conversation metadata (title, summary, risk level)
// from a conversation's transcript with the help of an LLM.
//
// A run is strictly sequential: load the transcript, evaluate the triggers,
// build the prompts, call the model, normalize its output and persist it.
// The same Pipeline serves the per-turn fast path and the operator backfill;
// the two differ only in their ModeConfig.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// Turn is one transcript line fed to the prompt builder.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"-"`
}

// LoadOptions bounds the transcript. Window <= 0 loads every turn, CharCap <= 0
// disables per-turn truncation.
type LoadOptions struct {
	Window  int
	CharCap int
}

// Transcript is the recency window of a conversation plus the counters the
// trigger evaluator needs.
type Transcript struct {
	Conversation     *domain.Conversation
	Turns            []Turn // chronological, at most Window entries
	Total            int    // all turns in the conversation
	UserTurns        int    // user turns in the conversation
	LastActivity     time.Time
	FirstUserMessage string
}

// Empty reports whether there is nothing to summarize.
func (t *Transcript) Empty() bool { return t == nil || len(t.Turns) == 0 }

// Loader reads transcripts from the messages table.
type Loader struct {
	DB *gorm.DB
}

// Load returns the last opt.Window turns of the conversation in chronological
// order. A conversation with no turns yields an empty Transcript, not an error.
func (l *Loader) Load(ctx context.Context, conversationID string, opt LoadOptions) (*Transcript, error) {
	ctx, span := otel.Tracer("insights/Loader").Start(ctx, "Load",
		trace.WithAttributes(
			attribute.String("session.id", conversationID),
			attribute.Int("window", opt.Window),
		),
	)
	defer span.End()

	conv, err := repo.GetConversation(ctx, l.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	tr := &Transcript{Conversation: conv, LastActivity: conv.LastActivityAt}

	total, err := repo.CountMessages(ctx, l.DB, conversationID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if total == 0 {
		return tr, nil
	}
	users, err := repo.CountMessagesByRole(ctx, l.DB, conversationID, domain.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("count user messages: %w", err)
	}
	msgs, err := repo.ListRecentMessages(ctx, l.DB, conversationID, opt.Window)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	tr.Total = int(total)
	tr.UserTurns = int(users)
	tr.Turns = make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		tr.Turns = append(tr.Turns, Turn{Role: m.Role, Content: clipRunes(m.Content, opt.CharCap), At: m.CreatedAt})
	}
	if last := msgs[len(msgs)-1].CreatedAt; last.After(tr.LastActivity) {
		tr.LastActivity = last
	}

	if users > 0 {
		first, err := repo.FirstUserMessage(ctx, l.DB, conversationID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("first user message: %w", err)
		}
		if first != nil {
			tr.FirstUserMessage = first.Content
		}
	}
	return tr, nil
}

// FromRequest fills an empty transcript with caller-supplied turns. Used by
// the fast path when messages have not been persisted yet. Unknown roles are
// dropped; the stored counters stay authoritative once messages exist.
func FromRequest(tr *Transcript, turns []Turn, opt LoadOptions, now time.Time) {
	kept := make([]Turn, 0, len(turns))
	users := 0
	for _, t := range turns {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		switch role {
		case "assistant", "mentor":
			role = domain.RoleModel
		case domain.RoleUser, domain.RoleModel:
		default:
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if role == domain.RoleUser {
			users++
			if tr.FirstUserMessage == "" {
				tr.FirstUserMessage = content
			}
		}
		kept = append(kept, Turn{Role: role, Content: content, At: now})
	}

	tr.Total = len(kept)
	tr.UserTurns = users
	if opt.Window > 0 && len(kept) > opt.Window {
		kept = kept[len(kept)-opt.Window:]
	}
	for i := range kept {
		kept[i].Content = clipRunes(kept[i].Content, opt.CharCap)
	}
	tr.Turns = kept
	if len(kept) > 0 {
		tr.LastActivity = now
	}
}

func clipRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
