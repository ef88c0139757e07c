// Package services: InsightsService
//
// This file implements InsightsService, the entry point to the session metadata
// pipeline. It validates the session id, authorizes the caller against the
// conversation owner (the student, or the parent linked to the student), and
// runs the fast path. It also schedules background refreshes after chat turns
// and exposes the batch backfill and alert listing.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// MetadataRequest is the fast path input.
type MetadataRequest struct {
	SessionID    string
	Title        string
	FirstMessage string
	Transcript   []insights.Turn
}

// InsightsService runs the metadata pipeline on behalf of API callers.
type InsightsService struct {
	DB       *gorm.DB
	Pipeline *insights.Pipeline
	Log      zerolog.Logger

	// RefreshTimeout bounds a background refresh; zero uses one minute.
	RefreshTimeout time.Duration

	wg sync.WaitGroup
}

// SessionMetadata runs the fast path for req.SessionID as viewerID.
//
// Errors: ErrInvalidSessionID, ErrSessionNotFound, ErrForbidden, and the
// pipeline errors (insights.ErrUpstream, insights.ErrPersist,
// insights.ErrConflict), which come with a non-nil result.
func (s *InsightsService) SessionMetadata(ctx context.Context, viewerID string, req MetadataRequest) (*insights.Result, error) {
	ctx, span := otel.Tracer("services/InsightsService").Start(ctx, "SessionMetadata",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("viewer.id", viewerID),
			attribute.Int("transcript.turns", len(req.Transcript)),
		),
	)
	defer span.End()

	if _, err := s.visible(ctx, viewerID, req.SessionID); err != nil {
		return nil, err
	}

	res, err := s.Pipeline.Run(ctx, req.SessionID, insights.ModeFastPath, insights.Input{
		Title:        req.Title,
		FirstMessage: req.FirstMessage,
		Transcript:   req.Transcript,
	})
	if errors.Is(err, insights.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return res, err
}

// Refresh runs the fast path for sessionID in the background, detached from
// the request that triggered it.
func (s *InsightsService) Refresh(sessionID string) {
	timeout := s.RefreshTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		log := s.Log.With().Str("session_id", sessionID).Logger()
		res, err := s.Pipeline.Run(ctx, sessionID, insights.ModeFastPath, insights.Input{})
		if err != nil {
			log.Warn().Err(err).Msg("background metadata refresh failed")
			return
		}
		log.Debug().Str("status", string(res.Status)).Msg("background metadata refresh")
	}()
}

// Wait blocks until scheduled refreshes have finished.
func (s *InsightsService) Wait() { s.wg.Wait() }

// Backfill runs the batch path.
func (s *InsightsService) Backfill(ctx context.Context, limit int, dryRun bool) (*insights.BackfillReport, error) {
	return s.Pipeline.Backfill(ctx, insights.BackfillOptions{Limit: limit, DryRun: dryRun})
}

// Alerts lists the safety alerts of a conversation, newest first.
func (s *InsightsService) Alerts(ctx context.Context, viewerID, sessionID string) ([]domain.SafetyAlert, error) {
	ctx, span := otel.Tracer("services/InsightsService").Start(ctx, "Alerts",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	if _, err := s.visible(ctx, viewerID, sessionID); err != nil {
		return nil, err
	}
	return repo.ListSafetyAlerts(ctx, s.DB, sessionID)
}

func (s *InsightsService) visible(ctx context.Context, viewerID, sessionID string) (*domain.Conversation, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrInvalidSessionID
	}
	conv, err := repo.GetConversation(ctx, s.DB, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := authorizeViewer(ctx, s.DB, viewerID, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
