// Session metadata HTTP handlers.
//
// Endpoints:
//   - POST /session-metadata                    (fast path for one conversation)
//   - POST /admin/session-metadata/backfill     (batch path, admin token)
//   - GET  /sessions/{id}/alerts                (danger keyword alerts)
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/http/middleware"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/services"
)

//
// DTOs
//

// TranscriptTurn is one caller-supplied turn. Role is "user" or "model"
// ("assistant" is accepted as an alias).
type TranscriptTurn struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"요즘 잠을 잘 못 자요"`
}

// SessionMetadataRequest is the fast path request body.
type SessionMetadataRequest struct {
	SessionID    string           `json:"sessionId" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Title        string           `json:"title,omitempty" binding:"max=255"`
	FirstMessage string           `json:"firstMessage,omitempty" binding:"max=4000"`
	Transcript   []TranscriptTurn `json:"transcript,omitempty" binding:"max=200"`
}

// SessionMetadataResponse is the fast path response body. MessageCount is
// omitted when the run was skipped.
type SessionMetadataResponse struct {
	Title        string           `json:"title,omitempty" example:"시험 스트레스"`
	RiskLevel    domain.RiskLevel `json:"risk_level" example:"normal"`
	Summary      string           `json:"summary,omitempty"`
	Skipped      bool             `json:"skipped"`
	MessageCount *int             `json:"messageCount,omitempty"`
	RiskHeld     bool             `json:"riskHeld,omitempty"`
	Warning      string           `json:"warning,omitempty"`
}

// BackfillRequest is the batch path request body. Both fields are optional.
type BackfillRequest struct {
	Limit  int  `json:"limit" binding:"min=0" example:"50"`
	DryRun bool `json:"dryRun"`
}

// ListAlertsResponse wraps a conversation's safety alerts.
type ListAlertsResponse struct {
	Alerts []domain.SafetyAlert `json:"alerts"`
}

func metadataResponse(res *insights.Result) SessionMetadataResponse {
	out := SessionMetadataResponse{
		Title:     res.Title,
		RiskLevel: res.RiskLevel,
		Summary:   res.Summary,
		Skipped:   res.Skipped,
		RiskHeld:  res.RiskHeld,
		Warning:   res.Warning,
	}
	if !res.Skipped {
		n := res.MessageCount
		out.MessageCount = &n
	}
	return out
}

//
// Handlers
//

// SessionMetadata godoc
// @ID          sessionMetadata
// @Summary     Compute title, risk level and summary for a conversation
// @Description Runs the fast path: loads the recent transcript, decides which outputs are due, calls the model and stores the normalized result.
// @Description A skipped run (nothing to do yet) is a normal 200 with skipped=true. If the result could not be stored it is still returned, with a warning.
// @Tags        Insights
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body      handlers.SessionMetadataRequest  true  "Session"
// @Success     200   {object}  handlers.SessionMetadataResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401   {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     403   {object}  handlers.ErrorResponse  "No relationship to the owner"
// @Failure     404   {object}  handlers.ErrorResponse  "Session not found"
// @Failure     429   {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500   {object}  handlers.ErrorResponse  "Upstream or internal error"
// @Router      /session-metadata [post]
func (h *Handlers) SessionMetadata(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req SessionMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sessionId required")
		return
	}

	turns := make([]insights.Turn, 0, len(req.Transcript))
	for _, t := range req.Transcript {
		turns = append(turns, insights.Turn{Role: t.Role, Content: t.Content})
	}

	res, err := h.insSvc.SessionMetadata(c.Request.Context(), uid, services.MetadataRequest{
		SessionID:    req.SessionID,
		Title:        req.Title,
		FirstMessage: req.FirstMessage,
		Transcript:   turns,
	})
	switch {
	case err == nil:
	case res != nil && (errors.Is(err, insights.ErrPersist) || errors.Is(err, insights.ErrConflict)):
		middleware.LoggerFrom(c).Warn().Err(err).Str("session_id", req.SessionID).Msg("session metadata not persisted")
		if res.Warning == "" {
			res.Warning = insights.PersistWarning
		}
	default:
		failService(c, err, ErrCodeMetadataFailed)
		return
	}
	ok(c, http.StatusOK, metadataResponse(res))
}

// Backfill godoc
// @ID          backfillSessionMetadata
// @Summary     Recompute metadata for recent conversations
// @Description Scans conversations newest first and runs the pipeline on each. Per-conversation failures are reported, never fatal.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       body  body      handlers.BackfillRequest  false  "Batch options (limit default 50, max 500)"
// @Success     200   {object}  insights.BackfillReport
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401   {object}  handlers.ErrorResponse  "Missing admin token"
// @Failure     403   {object}  handlers.ErrorResponse  "Wrong admin token"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/session-metadata/backfill [post]
func (h *Handlers) Backfill(c *gin.Context) {
	var req BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid backfill options")
		return
	}

	report, err := h.insSvc.Backfill(c.Request.Context(), req.Limit, req.DryRun)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeBackfillFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}

// ListAlerts godoc
// @ID          listSessionAlerts
// @Summary     List danger keyword alerts for a conversation
// @Tags        Insights
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID (UUID)"  format(uuid)
// @Success     200  {object} handlers.ListAlertsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthenticated"
// @Failure     403  {object} handlers.ErrorResponse "No relationship to the owner"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /sessions/{id}/alerts [get]
func (h *Handlers) ListAlerts(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	alerts, err := h.insSvc.Alerts(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	if alerts == nil {
		alerts = []domain.SafetyAlert{}
	}
	ok(c, http.StatusOK, ListAlertsResponse{Alerts: alerts})
}
