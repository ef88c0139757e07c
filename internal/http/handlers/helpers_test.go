package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/http/middleware"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/services"
)

const testAdminToken = "adm-token"

var sid = "141add05-4415-4938-b5a1-17e0d3171aff"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// testRouter mounts every handler the way the API router does, with header
// identity (auth disabled).
func testRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Auth(middleware.AuthOptions{}))
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.PUT("/sessions/:id/title", h.UpdateSessionTitle)
	r.GET("/sessions/:id/messages", h.ListMessages)
	r.POST("/sessions/:id/messages", middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil), h.PostMessage)
	r.GET("/sessions/:id/alerts", h.ListAlerts)
	r.POST("/session-metadata", h.SessionMetadata)
	r.POST("/admin/session-metadata/backfill", middleware.AdminToken(testAdminToken), h.Backfill)
	return r
}

// do sends a request as user (empty = anonymous). body may be nil, a raw
// string, or any JSON-marshalable value. hdr is a flat list of name/value pairs.
func do(t *testing.T, r http.Handler, method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (%s)", w.Code, status, w.Body.String())
	}
	e := decode[ErrorResponse](t, w)
	if e.Code != code || e.Error == "" || e.RequestID == "" {
		t.Fatalf("envelope = %+v, want code %q", e, code)
	}
}

//
// fakes
//

type fakeChatSvc struct {
	created   *domain.Conversation
	createErr error
	items     []domain.Conversation
	total     int64
	listErr   error
	renameErr error

	student, viewer, session, title string
	page, pageSize                  int
}

func (f *fakeChatSvc) Create(_ context.Context, studentID, title string) (*domain.Conversation, error) {
	f.student, f.title = studentID, title
	return f.created, f.createErr
}

func (f *fakeChatSvc) ListPage(_ context.Context, viewerID, studentID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	f.viewer, f.student, f.page, f.pageSize = viewerID, studentID, page, pageSize
	return f.items, f.total, f.listErr
}

func (f *fakeChatSvc) UpdateTitle(_ context.Context, studentID, sessionID, title string) error {
	f.student, f.session, f.title = studentID, sessionID, title
	return f.renameErr
}

type fakeMsgSvc struct {
	reply   *domain.Message
	err     error
	items   []domain.Message
	total   int64
	listErr error

	user, session, prompt string
	page, pageSize        int
}

func (f *fakeMsgSvc) Answer(_ context.Context, studentID, sessionID, prompt string) (*domain.Message, error) {
	f.user, f.session, f.prompt = studentID, sessionID, prompt
	return f.reply, f.err
}

func (f *fakeMsgSvc) ListPage(_ context.Context, viewerID, sessionID string, page, pageSize int) ([]domain.Message, int64, error) {
	f.user, f.session, f.page, f.pageSize = viewerID, sessionID, page, pageSize
	return f.items, f.total, f.listErr
}

type fakeInsSvc struct {
	res *insights.Result
	err error

	report    *insights.BackfillReport
	reportErr error
	limit     int
	dryRun    bool

	alerts   []domain.SafetyAlert
	alertErr error

	viewer string
	req    services.MetadataRequest
}

func (f *fakeInsSvc) SessionMetadata(_ context.Context, viewerID string, req services.MetadataRequest) (*insights.Result, error) {
	f.viewer, f.req = viewerID, req
	return f.res, f.err
}

func (f *fakeInsSvc) Backfill(_ context.Context, limit int, dryRun bool) (*insights.BackfillReport, error) {
	f.limit, f.dryRun = limit, dryRun
	return f.report, f.reportErr
}

func (f *fakeInsSvc) Alerts(_ context.Context, viewerID, _ string) ([]domain.SafetyAlert, error) {
	f.viewer = viewerID
	return f.alerts, f.alertErr
}

// countingChatter is a fixed-reply mentor model.
type countingChatter struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (c *countingChatter) Chat(context.Context, string, []llm.Turn, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, nil
}

func (c *countingChatter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func hasKey(body, key string) bool { return strings.Contains(body, `"`+key+`"`) }
