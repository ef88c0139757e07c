// Package services: MessageService
//
// This file implements MessageService, the application-level component that
// owns a chat turn: it validates the student's prompt, checks conversation
// ownership, runs the danger keyword pre-filter, asks the mentor model for a
// reply with recent history, and persists the user/model pair atomically.
// After the pair is committed it hands the conversation to the insights
// refresher so title, summary and risk catch up without delaying the reply.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include session/student identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/observability"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/safety"
	"github.com/tbourn/mentor-chat-backend/internal/utils"
)

// DefaultPersona is the system instruction for the mentor model.
const DefaultPersona = `당신은 청소년 학생을 돕는 따뜻하고 차분한 멘토입니다.
학생의 말을 끝까지 듣고 공감한 뒤, 짧고 구체적인 질문이나 제안으로 대화를 이어가세요.
의학적 진단이나 단정적인 판단은 하지 마세요.
학생이 자신이나 타인을 해칠 위험을 이야기하면 믿을 수 있는 어른이나 상담전화(109, 1388)에 도움을 요청하도록 부드럽게 안내하세요.
답변은 존댓말로 5문장 이내로 작성하세요.`

// Refresher schedules a metadata refresh for a conversation. It must not block
// the caller.
type Refresher interface {
	Refresh(sessionID string)
}

// MessageService coordinates chat turns and message listing.
type MessageService struct {
	DB  *gorm.DB
	LLM llm.Chatter

	Detector  *safety.Detector
	Alerts    safety.Publisher
	Refresher Refresher

	// MaxPromptRunes rejects longer prompts; 0 disables the check.
	MaxPromptRunes int
	// HistoryTurns is how many stored turns accompany the prompt; 0 sends none.
	HistoryTurns int
	// Persona overrides DefaultPersona when set.
	Persona string

	Log zerolog.Logger
	Now func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Answer validates prompt, verifies ownership, screens the prompt for danger
// keywords, generates the mentor reply and persists both turns atomically.
// It returns the stored model message.
func (s *MessageService) Answer(ctx context.Context, studentID, sessionID, prompt string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "Answer",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("student.id", studentID),
		),
	)
	defer span.End()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(prompt) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	conv, err := repo.GetConversationForStudent(ctx, s.DB, sessionID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	userAt := s.now()

	if s.Detector != nil {
		if hits := s.Detector.Match(prompt); len(hits) > 0 {
			span.SetAttributes(attribute.Bool("safety.alert", true))
			s.raiseAlert(ctx, conv, prompt, hits)
		}
	}

	history, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	persona := s.Persona
	if persona == "" {
		persona = DefaultPersona
	}
	start := time.Now()
	reply, err := s.LLM.Chat(ctx, persona, history, prompt)
	observability.LLMLatency.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	observability.LLMRequests.WithLabelValues("chat", observability.Outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mentor reply failed")
		return nil, fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrReplyFailed)
	}

	modelAt := s.now()
	if !modelAt.After(userAt) {
		modelAt = userAt.Add(time.Millisecond)
	}

	var modelMsg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.CreateMessage(ctx, tx, sessionID, domain.RoleUser, prompt, userAt); err != nil {
			return err
		}
		m, err := repo.CreateMessage(ctx, tx, sessionID, domain.RoleModel, reply, modelAt)
		if err != nil {
			return err
		}
		modelMsg = m
		return repo.TouchConversation(ctx, tx, sessionID, modelAt)
	})
	if err != nil {
		return nil, err
	}

	if s.Refresher != nil {
		s.Refresher.Refresh(sessionID)
	}
	return modelMsg, nil
}

// raiseAlert stores and publishes a safety alert. Failures are logged; they
// never fail the chat turn.
func (s *MessageService) raiseAlert(ctx context.Context, conv *domain.Conversation, prompt string, hits []string) {
	observability.SafetyAlerts.Inc()
	excerpt := safety.Excerpt(prompt)
	log := s.Log.With().Str("session_id", conv.ID).Strs("keywords", hits).Logger()

	rec, err := repo.CreateSafetyAlert(ctx, s.DB, conv.ID, conv.StudentID, excerpt, hits)
	if err != nil {
		log.Error().Err(err).Msg("store safety alert")
		return
	}
	log.Warn().Str("alert_id", rec.ID).Msg("danger keywords in student message")

	if s.Alerts == nil {
		return
	}
	err = s.Alerts.Publish(ctx, safety.Alert{
		AlertID:   rec.ID,
		SessionID: conv.ID,
		StudentID: conv.StudentID,
		Keywords:  hits,
		Excerpt:   excerpt,
		At:        rec.CreatedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("alert_id", rec.ID).Msg("publish safety alert")
	}
}

func (s *MessageService) history(ctx context.Context, sessionID string) ([]llm.Turn, error) {
	if s.HistoryTurns <= 0 {
		return nil, nil
	}
	msgs, err := repo.ListRecentMessages(ctx, s.DB, sessionID, s.HistoryTurns)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Turn{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// ListPage returns paginated messages of a conversation visible to viewerID.
func (s *MessageService) ListPage(ctx context.Context, viewerID, sessionID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	conv, err := repo.GetConversation(ctx, s.DB, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrSessionNotFound
		}
		return nil, 0, err
	}
	if err := authorizeViewer(ctx, s.DB, viewerID, conv); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := utils.Offset(page, pageSize)

	total, err := repo.CountMessages(ctx, s.DB, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, sessionID, offset, pageSize)
	return items, total, err
}
