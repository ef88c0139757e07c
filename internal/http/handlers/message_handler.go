// Message HTTP handlers.
//
// Endpoints:
//   - POST /sessions/{id}/messages   (student turn; returns the mentor reply)
//   - GET  /sessions/{id}/messages   (paginated history, weak ETag)
//
// A retried POST carrying the same Idempotency-Key returns the stored reply
// with `Idempotency-Replayed: true` instead of calling the model again.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/http/middleware"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for one student turn.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required,min=1" example:"요즘 시험 때문에 너무 스트레스 받아요"`
}

// PostMessageResponse wraps the mentor reply.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse contains a page of messages.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, collapses blank-line runs and
// trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxPromptRunes reads the prompt cap from the concrete service.
func discoverMaxPromptRunes(msgSvc MessageService) int {
	const fallback = 2000
	if ms, ok := msgSvc.(*services.MessageService); ok && ms.MaxPromptRunes > 0 {
		return ms.MaxPromptRunes
	}
	return fallback
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a student message and get the mentor reply
// @Description Stores the student's message and the mentor reply, then refreshes the session metadata in the background.
// @Description Supports idempotent retries via the Idempotency-Key header.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "Student message"
// @Success     200  {object}  handlers.PostMessageResponse  "Mentor reply"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse        "Unauthenticated"
// @Failure     404  {object}  handlers.ErrorResponse        "Session not found"
// @Failure     429  {object}  handlers.ErrorResponse        "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse        "Upstream or internal error"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, services.ErrInvalidSessionID.Error())
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxPromptRunes(h.msgSvc)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}

	svc, _ := h.msgSvc.(*services.MessageService)
	idemKey, _ := middleware.GetIdempotencyKey(c)
	replay := repo.ReplayKey{UserID: uid, SessionID: sessionID, Key: idemKey}
	if idemKey != "" && svc != nil && svc.DB != nil {
		if rec, err := repo.GetIdempotency(ctx, svc.DB, replay, time.Now().UTC()); err == nil {
			if prev, err := repo.GetMessage(ctx, svc.DB, rec.MessageID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, PostMessageResponse{Message: prev})
				return
			}
		}
	}

	m, err := h.msgSvc.Answer(ctx, uid, sessionID, content)
	if err != nil {
		if errors.Is(err, services.ErrTooLong) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
			return
		}
		failService(c, err, ErrCodeAnswerFailed)
		return
	}

	if idemKey != "" && svc != nil && svc.DB != nil {
		if _, err := repo.SaveIdempotency(ctx, svc.DB, replay, m.ID, h.IdempotencyTTL, time.Now()); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{Message: m})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a page of messages, oldest first. The owning student and a linked parent may read it.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Param       id             path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthenticated"
// @Failure     403  {object} handlers.ErrorResponse "No relationship to the owner"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, services.ErrInvalidSessionID.Error())
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.msgSvc.ListPage(ctx, uid, sessionID, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	if svc, okSvc := h.msgSvc.(*services.MessageService); okSvc && svc.DB != nil {
		if count, maxTS, err := repo.MessagesStats(ctx, svc.DB, sessionID); err == nil {
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, sessionID, count, unixOrZero(maxTS), page, pageSize)
			if notModified(c, etag) {
				return
			}
		}
	}

	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: paginate(page, pageSize, total)})
}
