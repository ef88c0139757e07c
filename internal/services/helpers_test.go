package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/safety"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
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

func seedSession(t *testing.T, db *gorm.DB, studentID string) *domain.Conversation {
	t.Helper()
	c, err := repo.CreateConversation(context.Background(), db, studentID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

// fakeChatter answers chat turns and records what it was sent.
type fakeChatter struct {
	mu sync.Mutex

	reply string
	err   error

	system  string
	history []llm.Turn
	message string
	calls   int
}

func (f *fakeChatter) Chat(_ context.Context, system string, history []llm.Turn, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.system, f.history, f.message = system, history, message
	return f.reply, f.err
}

// fakeGen answers pipeline prompts: summary prompts get summary, the rest title.
type fakeGen struct {
	title, summary string
	err            error
}

func (f *fakeGen) GenerateContent(_ context.Context, prompt string, _ llm.GenerationConfig) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if strings.Contains(prompt, `{"summary":`) {
		return f.summary, nil
	}
	return f.title, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	alerts []safety.Alert
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, a safety.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return p.err
}

func (p *fakePublisher) Close() {}

type fakeRefresher struct {
	mu  sync.Mutex
	ids []string
}

func (r *fakeRefresher) Refresh(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

var errUpstream = errors.New("upstream unavailable")

var svcNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
