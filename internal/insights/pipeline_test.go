package insights

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/llm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

const okSummary = `{"summary": "학생은 최근 시험 준비로 스트레스를 받고 있지만 멘토와 함께 공부 계획을 세우며 스스로 해결 방법을 찾고 있습니다.", "riskLevel": "stable", "reason": "일상적 고민"}`

func TestPipeline_EmptyTranscriptSkipsWithoutLLM(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"x"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSkippedNoTranscript || !res.Skipped || res.MessageCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gen.calls() != 0 {
		t.Fatalf("LLM must not be called, got %d calls", gen.calls())
	}
}

func TestPipeline_SixTurnsNoSummaryWritesBoth(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"시험 스트레스","risk_level":"stable"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})
	seedTurns(t, db, c.ID, 6, testNow.Add(-time.Second))

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusUpdated || res.Skipped || res.MessageCount != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := utf8.RuneCountInString(res.Summary); n < SummaryMinRunes || n > SummaryMaxRunes {
		t.Fatalf("summary length %d out of bounds", n)
	}

	stored := mustConv(t, db, c.ID)
	if stored.Summary != res.Summary || !stored.RiskLevel.Valid() || stored.RiskLevel != domain.RiskStable {
		t.Fatalf("summary/risk not persisted: %+v", stored)
	}
	if stored.Title != "시험 스트레스" || stored.TitleSource != domain.TitleSourceAI {
		t.Fatalf("title not persisted: %+v", stored)
	}
	if stored.SummaryUpdatedAt == nil {
		t.Fatalf("summary_updated_at not stamped")
	}
}

func TestPipeline_OffCadenceWithSummarySkips(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{summary: okSummary}
	c := seedConv(t, db, domain.Conversation{Summary: "기존 요약", Title: "기존 제목", TitleSource: domain.TitleSourceAI})
	seedTurns(t, db, c.ID, 7, testNow.Add(-2*time.Second))

	p := newTestPipeline(db, gen)
	for i := 0; i < 2; i++ {
		res, err := p.Run(context.Background(), c.ID, ModeFastPath, Input{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Status != StatusUnchanged || !res.Skipped || res.Summary != "기존 요약" {
			t.Fatalf("run %d: expected skip, got %+v", i, res)
		}
	}
	if gen.calls() != 0 {
		t.Fatalf("LLM must not be called on skip")
	}
}

func TestPipeline_IdleThresholdPerMode(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{summary: okSummary}
	lastTurn := testNow.Add(-30 * time.Second)
	c := seedConv(t, db, domain.Conversation{Summary: "기존 요약", TitleSource: domain.TitleSourceAI, Title: "제목", LastActivityAt: lastTurn})
	seedTurns(t, db, c.ID, 7, lastTurn)

	p := newTestPipeline(db, gen)
	res, err := p.Run(context.Background(), c.ID, ModeBackfill, Input{})
	if err != nil || res.Status != StatusUnchanged {
		t.Fatalf("backfill idle 30s < 60s should skip: %+v %v", res, err)
	}
	res, err = p.Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil || res.Status != StatusUpdated {
		t.Fatalf("fast path idle 30s >= 8s should update: %+v %v", res, err)
	}
}

func TestPipeline_ManualTitleNeverChanges(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"다른 제목","risk_level":"stable"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{Title: "내 대화", TitleSource: domain.TitleSourceManual, Summary: "기존 요약"})
	seedTurns(t, db, c.ID, 7, testNow.Add(-time.Second))

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{FirstMessage: "완전히 새로운 첫 메시지"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Title != "내 대화" || !res.Skipped {
		t.Fatalf("expected frozen title and skip, got %+v", res)
	}
	stored := mustConv(t, db, c.ID)
	if stored.Title != "내 대화" || stored.TitleSource != domain.TitleSourceManual || stored.Version != 0 {
		t.Fatalf("no write expected: %+v", stored)
	}
}

func TestPipeline_FrozenTitleSurvivesSummaryRuns(t *testing.T) {
	for _, src := range []domain.TitleSource{domain.TitleSourceAI, domain.TitleSourceManual} {
		db := newInsightsDB(t)
		gen := &fakeGen{title: `{"title":"바뀐 제목"}`, summary: okSummary}
		c := seedConv(t, db, domain.Conversation{Title: "고정 제목", TitleSource: src})
		seedTurns(t, db, c.ID, 12, testNow)

		res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
		if err != nil || res.Status != StatusUpdated {
			t.Fatalf("%s: %+v %v", src, res, err)
		}
		stored := mustConv(t, db, c.ID)
		if stored.Title != "고정 제목" || stored.TitleSource != src || res.Title != "고정 제목" {
			t.Fatalf("%s: title changed: %+v", src, stored)
		}
		if gen.titleCalls != 0 {
			t.Fatalf("%s: title prompt must not be sent", src)
		}
	}
}

func TestPipeline_TitleLLMFailureUsesFallback(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{titleErr: errors.New("timeout"), summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})
	seedTurns(t, db, c.ID, 2, testNow)

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil {
		t.Fatalf("title failure must not fail the run: %v", err)
	}
	stored := mustConv(t, db, c.ID)
	if stored.Title != "학생 메시지 0" || stored.TitleSource != domain.TitleSourceFallback {
		t.Fatalf("expected fallback title from first message: %+v", stored)
	}
	if res.TitleSource != domain.TitleSourceFallback {
		t.Fatalf("result source = %q", res.TitleSource)
	}
}

func TestPipeline_BlankModelTitleFallsBackAndStaysOpen(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title": "   ", "risk_level": "warn"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{Summary: "기존 요약"})
	seedTurns(t, db, c.ID, 1, testNow)

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Title != "학생 메시지 0" || res.TitleSource != domain.TitleSourceFallback {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestPipeline_SummaryLLMFailureIsRetryable(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"제목"}`, summaryErr: errors.New("503")}
	c := seedConv(t, db, domain.Conversation{})
	seedTurns(t, db, c.ID, 2, testNow)

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if res == nil || res.Status != StatusGeminiError {
		t.Fatalf("expected gemini_error result, got %+v", res)
	}
	stored := mustConv(t, db, c.ID)
	if stored.Summary != "" {
		t.Fatalf("no summary may be fabricated: %q", stored.Summary)
	}
}

func TestPipeline_RequestTranscriptWhenNothingStored(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"친구 고민"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{
		Transcript: []Turn{{Role: "user", Content: "친구랑 싸웠어요"}, {Role: "model", Content: "무슨 일이 있었니?"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusUpdated || res.MessageCount != 2 || res.Title != "친구 고민" {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestPipeline_DryRunWritesNothing(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"새 제목"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})
	seedTurns(t, db, c.ID, 6, testNow)

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeBackfill, Input{DryRun: true})
	if err != nil || res.Status != StatusDryRunUpdate {
		t.Fatalf("expected dry_run_update, got %+v %v", res, err)
	}
	stored := mustConv(t, db, c.ID)
	if stored.Summary != "" || stored.Title != domain.UntitledTitle || stored.Version != 0 {
		t.Fatalf("dry run wrote: %+v", stored)
	}
}

func TestPipeline_PersistFailureReturnsComputedResult(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"제목"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{})
	seedTurns(t, db, c.ID, 6, testNow)

	if err := db.Callback().Update().Before("gorm:update").Register("test:fail", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("disk full"))
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if res == nil || res.Status != StatusUpdateError || res.Warning == "" {
		t.Fatalf("expected update_error with warning, got %+v", res)
	}
	if n := utf8.RuneCountInString(res.Summary); n < SummaryMinRunes {
		t.Fatalf("computed summary must still be returned, got %q", res.Summary)
	}
}

func TestPipeline_NotFound(t *testing.T) {
	db := newInsightsDB(t)
	_, err := newTestPipeline(db, &fakeGen{}).Run(context.Background(), "nope", ModeFastPath, Input{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPipeline_UnknownMode(t *testing.T) {
	db := newInsightsDB(t)
	_, err := newTestPipeline(db, &fakeGen{}).Run(context.Background(), "x", Mode("weekly"), Input{})
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

// stallingGen blocks the selected prompt kind until its context ends and
// answers the other kind like fakeGen.
type stallingGen struct {
	stallSummary bool
	title        string
	summary      string

	mu      sync.Mutex
	stalled int
}

func (g *stallingGen) GenerateContent(ctx context.Context, prompt string, _ llm.GenerationConfig) (string, error) {
	isSummary := strings.Contains(prompt, `{"summary":`)
	if isSummary == g.stallSummary {
		g.mu.Lock()
		g.stalled++
		g.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	if isSummary {
		return g.summary, nil
	}
	return g.title, nil
}

func TestPipeline_LLMTimeoutBoundsHungCalls(t *testing.T) {
	cases := []struct {
		name         string
		stallSummary bool
	}{
		{"title hangs", false},
		{"summary hangs", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newInsightsDB(t)
			gen := &stallingGen{stallSummary: tc.stallSummary, title: `{"title":"시험 고민","risk_level":"stable"}`, summary: okSummary}
			c := seedConv(t, db, domain.Conversation{})
			seedTurns(t, db, c.ID, 2, testNow)

			p := newTestPipeline(db, gen)
			p.LLMTimeout = 50 * time.Millisecond

			start := time.Now()
			res, err := p.Run(context.Background(), c.ID, ModeFastPath, Input{})
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Fatalf("run took %v with a 50ms model timeout", elapsed)
			}
			if gen.stalled != 1 {
				t.Fatalf("stalled calls = %d", gen.stalled)
			}
			if tc.stallSummary {
				if !errors.Is(err, ErrUpstream) {
					t.Fatalf("expected ErrUpstream, got %v", err)
				}
				if res == nil || res.Status != StatusGeminiError {
					t.Fatalf("expected gemini_error result, got %+v", res)
				}
				if mustConv(t, db, c.ID).Summary != "" {
					t.Fatalf("timed-out summary must not be written")
				}
				return
			}
			if err != nil {
				t.Fatalf("hung title must not fail the run: %v", err)
			}
			if res.TitleSource != domain.TitleSourceFallback || res.Title != "학생 메시지 0" {
				t.Fatalf("expected fallback title, got %+v", res)
			}
			if stored := mustConv(t, db, c.ID); stored.Summary == "" {
				t.Fatalf("summary should still be written after a title timeout")
			}
		})
	}
}

func TestPipeline_TitleOnlyRunLeavesRiskAlone(t *testing.T) {
	db := newInsightsDB(t)
	gen := &fakeGen{title: `{"title":"진로 고민","risk_level":"caution"}`, summary: okSummary}
	c := seedConv(t, db, domain.Conversation{Summary: "기존 요약", RiskLevel: domain.RiskStable})
	seedTurns(t, db, c.ID, 1, testNow)

	res, err := newTestPipeline(db, gen).Run(context.Background(), c.ID, ModeFastPath, Input{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gen.summaryCalls != 0 || gen.titleCalls != 1 {
		t.Fatalf("expected a title-only run, calls title=%d summary=%d", gen.titleCalls, gen.summaryCalls)
	}
	if res.RiskLevel != domain.RiskStable {
		t.Fatalf("result risk = %q, want stored stable", res.RiskLevel)
	}
	if stored := mustConv(t, db, c.ID); stored.RiskLevel != domain.RiskStable || stored.Title != "진로 고민" {
		t.Fatalf("unexpected stored state: %+v", stored)
	}
}
