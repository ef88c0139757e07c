package insights

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/mentor-chat-backend/internal/config"
	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newInsightsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:insights_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeGen answers title and summary prompts separately and records calls.
type fakeGen struct {
	mu sync.Mutex

	title, summary       string
	titleErr, summaryErr error
	// byContent, when set, overrides answers for prompts containing a key.
	byContent map[string]error

	titleCalls, summaryCalls int
}

func (f *fakeGen) GenerateContent(_ context.Context, prompt string, _ llm.GenerationConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, err := range f.byContent {
		if strings.Contains(prompt, k) {
			return "", err
		}
	}
	if strings.Contains(prompt, `{"summary":`) {
		f.summaryCalls++
		return f.summary, f.summaryErr
	}
	f.titleCalls++
	return f.title, f.titleErr
}

func (f *fakeGen) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titleCalls + f.summaryCalls
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Window:             20,
		CharCap:            400,
		TitleMaxAuto:       20,
		TitleMaxSession:    24,
		FastIdle:           8 * time.Second,
		BackfillIdle:       60 * time.Second,
		LLMTimeout:         time.Second,
		RiskDowngradeTurns: 12,
		BackfillDefault:    50,
		BackfillMax:        500,
	}
}

func newTestPipeline(db *gorm.DB, gen llm.Generator) *Pipeline {
	p := NewPipeline(db, gen, testPipelineConfig(), zerolog.Nop())
	p.Now = func() time.Time { return testNow }
	p.Writer.Now = p.Now
	return p
}

func seedConv(t *testing.T, db *gorm.DB, c domain.Conversation) *domain.Conversation {
	t.Helper()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StudentID == "" {
		c.StudentID = "stu"
	}
	if c.Title == "" {
		c.Title = domain.UntitledTitle
	}
	if c.TitleSource == "" {
		c.TitleSource = domain.TitleSourceNone
	}
	if c.RiskLevel == "" {
		c.RiskLevel = domain.RiskNormal
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = testNow
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return &c
}

// seedTurns appends n alternating user/model turns ending lastAt.
func seedTurns(t *testing.T, db *gorm.DB, id string, n int, lastAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		role, content := domain.RoleUser, fmt.Sprintf("학생 메시지 %d", i)
		if i%2 == 1 {
			role, content = domain.RoleModel, fmt.Sprintf("멘토 답변 %d", i)
		}
		at := lastAt.Add(-time.Duration(n-1-i) * time.Second)
		if _, err := repo.CreateMessage(context.Background(), db, id, role, content, at); err != nil {
			t.Fatalf("seed turn %d: %v", i, err)
		}
	}
}

func mustConv(t *testing.T, db *gorm.DB, id string) *domain.Conversation {
	t.Helper()
	c, err := repo.GetConversation(context.Background(), db, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return c
}

func seedTurnsWith(t *testing.T, db *gorm.DB, id, content string, at time.Time) {
	t.Helper()
	if _, err := repo.CreateMessage(context.Background(), db, id, domain.RoleUser, content, at); err != nil {
		t.Fatalf("seed turn: %v", err)
	}
}
