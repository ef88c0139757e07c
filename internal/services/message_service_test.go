package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/observability"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/safety"
)

func newMessageService(t *testing.T, chat *fakeChatter) (*MessageService, *fakePublisher, *fakeRefresher) {
	t.Helper()
	pub := &fakePublisher{}
	ref := &fakeRefresher{}
	return &MessageService{
		DB:             newServiceDB(t),
		LLM:            chat,
		Detector:       safety.NewDetector(),
		Alerts:         pub,
		Refresher:      ref,
		MaxPromptRunes: 50,
		HistoryTurns:   4,
		Log:            zerolog.Nop(),
		Now:            func() time.Time { return svcNow },
	}, pub, ref
}

func TestAnswer_ValidatesPrompt(t *testing.T) {
	s, _, _ := newMessageService(t, &fakeChatter{reply: "ok"})
	ctx := context.Background()

	if _, err := s.Answer(ctx, "stu", "any", "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := s.Answer(ctx, "stu", "any", strings.Repeat("가", 51)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestAnswer_OtherStudentsSessionIsNotFound(t *testing.T) {
	chat := &fakeChatter{reply: "ok"}
	s, _, _ := newMessageService(t, chat)
	conv := seedSession(t, s.DB, "owner")

	if _, err := s.Answer(context.Background(), "intruder", conv.ID, "안녕"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if chat.calls != 0 {
		t.Fatalf("LLM must not be called for a foreign session")
	}
}

func TestAnswer_PersistsPairWithHistoryAndSchedulesRefresh(t *testing.T) {
	chat := &fakeChatter{reply: "  같이 계획을 세워볼까요?  "}
	s, pub, ref := newMessageService(t, chat)
	ctx := context.Background()
	conv := seedSession(t, s.DB, "stu")
	for i, role := range []string{domain.RoleUser, domain.RoleModel} {
		if _, err := repo.CreateMessage(ctx, s.DB, conv.ID, role, "이전 대화", svcNow.Add(-time.Duration(10-i)*time.Minute)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	m, err := s.Answer(ctx, "stu", conv.ID, "시험이 걱정돼요")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if m.Role != domain.RoleModel || m.Content != "같이 계획을 세워볼까요?" {
		t.Fatalf("unexpected reply message: %+v", m)
	}
	if chat.system != DefaultPersona || chat.message != "시험이 걱정돼요" || len(chat.history) != 2 {
		t.Fatalf("unexpected chat call: system=%q message=%q history=%d", chat.system, chat.message, len(chat.history))
	}
	if chat.history[0].Role != domain.RoleUser || chat.history[1].Role != domain.RoleModel {
		t.Fatalf("history must be chronological: %+v", chat.history)
	}

	msgs, err := repo.ListRecentMessages(ctx, s.DB, conv.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 4 || msgs[2].Content != "시험이 걱정돼요" || msgs[3].ID != m.ID {
		t.Fatalf("turn pair not appended in order: %+v", msgs)
	}

	stored, _ := repo.GetConversation(ctx, s.DB, conv.ID)
	if !stored.LastActivityAt.After(svcNow) {
		t.Fatalf("last_activity_at not bumped: %v", stored.LastActivityAt)
	}
	if len(ref.ids) != 1 || ref.ids[0] != conv.ID {
		t.Fatalf("refresh not scheduled: %v", ref.ids)
	}
	if len(pub.alerts) != 0 {
		t.Fatalf("no alert expected for a benign message")
	}
}

func TestAnswer_DangerKeywordRaisesAlert(t *testing.T) {
	s, pub, _ := newMessageService(t, &fakeChatter{reply: "많이 힘들었겠어요."})
	ctx := context.Background()
	conv := seedSession(t, s.DB, "stu")
	before := testutil.ToFloat64(observability.SafetyAlerts)

	if _, err := s.Answer(ctx, "stu", conv.ID, "요즘 죽고 싶다는 생각을 해요"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if got := testutil.ToFloat64(observability.SafetyAlerts) - before; got != 1 {
		t.Fatalf("safety_alerts_total delta = %v", got)
	}
	alerts, err := repo.ListSafetyAlerts(ctx, s.DB, conv.ID)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("stored alerts = %v (%v)", alerts, err)
	}
	if len(pub.alerts) != 1 {
		t.Fatalf("published alerts = %d", len(pub.alerts))
	}
	a := pub.alerts[0]
	if a.AlertID != alerts[0].ID || a.StudentID != "stu" || a.SessionID != conv.ID || len(a.Keywords) != 1 || a.Keywords[0] != "죽고 싶" {
		t.Fatalf("unexpected published alert: %+v", a)
	}
}

func TestAnswer_PublishFailureDoesNotFailTurn(t *testing.T) {
	s, pub, _ := newMessageService(t, &fakeChatter{reply: "괜찮아요"})
	pub.err = errors.New("nats down")
	conv := seedSession(t, s.DB, "stu")

	if _, err := s.Answer(context.Background(), "stu", conv.ID, "자해를 했어요"); err != nil {
		t.Fatalf("Answer should succeed despite publish failure: %v", err)
	}
}

func TestAnswer_LLMErrorPersistsNothing(t *testing.T) {
	s, _, ref := newMessageService(t, &fakeChatter{err: errUpstream})
	ctx := context.Background()
	conv := seedSession(t, s.DB, "stu")

	_, err := s.Answer(ctx, "stu", conv.ID, "안녕하세요")
	if !errors.Is(err, ErrReplyFailed) {
		t.Fatalf("expected ErrReplyFailed, got %v", err)
	}
	if n, _ := repo.CountMessages(ctx, s.DB, conv.ID); n != 0 {
		t.Fatalf("no turns should be stored, got %d", n)
	}
	if len(ref.ids) != 0 {
		t.Fatalf("refresh must not be scheduled on failure")
	}
}

func TestAnswer_BlankReplyIsFailure(t *testing.T) {
	s, _, _ := newMessageService(t, &fakeChatter{reply: "   "})
	conv := seedSession(t, s.DB, "stu")
	if _, err := s.Answer(context.Background(), "stu", conv.ID, "안녕"); !errors.Is(err, ErrReplyFailed) {
		t.Fatalf("expected ErrReplyFailed, got %v", err)
	}
}

func TestMessageListPage_AccessRules(t *testing.T) {
	s, _, _ := newMessageService(t, &fakeChatter{})
	ctx := context.Background()
	conv := seedSession(t, s.DB, "stu")
	for i := 0; i < 3; i++ {
		if _, err := repo.CreateMessage(ctx, s.DB, conv.ID, domain.RoleUser, "m", svcNow.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := repo.UpsertStudentProfile(ctx, s.DB, "stu", "parent", ""); err != nil {
		t.Fatalf("profile: %v", err)
	}

	items, total, err := s.ListPage(ctx, "stu", conv.ID, 1, 2)
	if err != nil || total != 3 || len(items) != 2 {
		t.Fatalf("owner page: total=%d len=%d err=%v", total, len(items), err)
	}
	if _, total, err = s.ListPage(ctx, "parent", conv.ID, 2, 2); err != nil || total != 3 {
		t.Fatalf("parent page: total=%d err=%v", total, err)
	}
	if _, _, err = s.ListPage(ctx, "stranger", conv.ID, 1, 2); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, _, err = s.ListPage(ctx, "stu", "00000000-0000-0000-0000-000000000000", 1, 2); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
