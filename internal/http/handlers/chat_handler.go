// Session (conversation) HTTP handlers.
//
// Endpoints:
//   - POST   /sessions              (student creates a conversation)
//   - GET    /sessions              (list, paginated, weak ETag; ?student_id= for a linked parent)
//   - PUT    /sessions/{id}/title   (manual rename; freezes the title)
//
// Handlers validate input, call application services and translate results
// into HTTP responses. Identity always comes from the auth middleware.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/services"
	"github.com/tbourn/mentor-chat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService covers the conversation lifecycle.
type ChatService interface {
	// Create starts a conversation for studentID with an optional title.
	Create(ctx context.Context, studentID, title string) (*domain.Conversation, error)
	// ListPage returns a page of studentID's conversations as seen by viewerID.
	ListPage(ctx context.Context, viewerID, studentID string, page, pageSize int) ([]domain.Conversation, int64, error)
	// UpdateTitle renames a conversation owned by studentID.
	UpdateTitle(ctx context.Context, studentID, sessionID, title string) error
}

// MessageService covers chat turns.
type MessageService interface {
	// Answer stores the student's prompt and the mentor reply atomically.
	Answer(ctx context.Context, studentID, sessionID, prompt string) (*domain.Message, error)
	// ListPage returns a page of a conversation's messages as seen by viewerID.
	ListPage(ctx context.Context, viewerID, sessionID string, page, pageSize int) ([]domain.Message, int64, error)
}

// InsightsService covers session metadata, the batch backfill and alerts.
type InsightsService interface {
	SessionMetadata(ctx context.Context, viewerID string, req services.MetadataRequest) (*insights.Result, error)
	Backfill(ctx context.Context, limit int, dryRun bool) (*insights.BackfillReport, error)
	Alerts(ctx context.Context, viewerID, sessionID string) ([]domain.SafetyAlert, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. It depends on service interfaces only;
// the concrete services are type-asserted for ETag and idempotency lookups.
type Handlers struct {
	chatSvc ChatService
	msgSvc  MessageService
	insSvc  InsightsService

	// IdempotencyTTL is how long a stored chat turn answers a replayed key.
	IdempotencyTTL time.Duration
}

// New constructs Handlers bound to the given services.
func New(chatSvc ChatService, msgSvc MessageService, insSvc InsightsService) *Handlers {
	return &Handlers{chatSvc: chatSvc, msgSvc: msgSvc, insSvc: insSvc, IdempotencyTTL: 24 * time.Hour}
}

//
// DTOs
//

// CreateSessionRequest is the JSON payload for creating a conversation.
type CreateSessionRequest struct {
	// Title optionally sets a manual title; the conversation starts untitled otherwise.
	Title string `json:"title" binding:"max=255" example:"수학 시험 고민"`
}

// UpdateSessionTitleRequest is the JSON payload for renaming a conversation.
type UpdateSessionTitleRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255" example:"내 대화"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse wraps a page of conversations.
type ListSessionsResponse struct {
	Sessions   []domain.Conversation `json:"sessions"`
	Pagination Pagination            `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses page and page_size, applying defaults and caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"), utils.DefaultPageLimits)
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// notModified sets a weak ETag and reports whether If-None-Match matched it.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

//
// Handlers
//

// CreateSession godoc
// @ID          createSession
// @Summary     Create a conversation
// @Description Creates a conversation for the calling student. A non-empty title is stored as a manual (frozen) title.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body      handlers.CreateSessionRequest  true  "Create payload"
// @Success     201   {object}  domain.Conversation
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401   {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	conv, err := h.chatSvc.Create(c.Request.Context(), uid, strings.TrimSpace(req.Title))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List conversations (paginated)
// @Description Lists the caller's conversations, or a linked student's when student_id is given. Weak ETag; may return 304.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       student_id     query   string  false "Student whose conversations to list (parents only)"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListSessionsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthenticated"
// @Failure     403  {object} handlers.ErrorResponse "Not linked to the student"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	studentID := strings.TrimSpace(c.Query("student_id"))
	if studentID == "" {
		studentID = uid
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.chatSvc.ListPage(ctx, uid, studentID, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	// ETag only after authorization so 304s reveal nothing to strangers.
	if svc, okSvc := h.chatSvc.(*services.ChatService); okSvc && svc.DB != nil {
		if count, maxTS, err := repo.ConversationsStats(ctx, svc.DB, studentID); err == nil {
			etag := fmt.Sprintf(`W/"sessions:%s:%d:%d:%d:%d"`, studentID, count, unixOrZero(maxTS), page, pageSize)
			if notModified(c, etag) {
				return
			}
		}
	}

	ok(c, http.StatusOK, ListSessionsResponse{Sessions: items, Pagination: paginate(page, pageSize, total)})
}

// UpdateSessionTitle godoc
// @ID          updateSessionTitle
// @Summary     Rename a conversation
// @Description Sets a manual title. Manual titles are never overwritten by the metadata pipeline.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string  true  "Session ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateSessionTitleRequest  true  "New title"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthenticated"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/title [put]
func (h *Handlers) UpdateSessionTitle(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, services.ErrInvalidSessionID.Error())
		return
	}

	var req UpdateSessionTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1-255 chars)")
		return
	}

	if err := h.chatSvc.UpdateTitle(c.Request.Context(), uid, sessionID, req.Title); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
