// Command server runs the mentor chat HTTP API.
//
//	@title						Mentor Chat API
//	@version					1.0
//	@description				Student mentor chat with session titles, risk levels and summaries for parents.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/config"
	httpapi "github.com/tbourn/mentor-chat-backend/internal/http"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/llm"
	"github.com/tbourn/mentor-chat-backend/internal/observability"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
	"github.com/tbourn/mentor-chat-backend/internal/safety"
	"github.com/tbourn/mentor-chat-backend/internal/services"
	"github.com/tbourn/mentor-chat-backend/internal/sysutil"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg := config.MustLoad()
	logger := sysutil.InitLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, "server")
	version := sysutil.Version()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, "server", version)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if sysutil.IsTruthy(os.Getenv("SKIP_MIGRATIONS")) {
		logger.Info().Msg("skipping schema migration")
	} else if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	gemini := llm.New(cfg.Gemini, llm.WithLogger(logger))
	alerts := newAlertPublisher(cfg.Alerts, logger)

	pipeline := insights.NewPipeline(db, gemini, cfg.Pipeline, logger)
	insightsSvc := &services.InsightsService{DB: db, Pipeline: pipeline, Log: logger}
	msgSvc := &services.MessageService{
		DB:             db,
		LLM:            gemini,
		Detector:       safety.NewDetector(),
		Alerts:         alerts,
		Refresher:      insightsSvc,
		MaxPromptRunes: cfg.MaxPromptRunes,
		HistoryTurns:   cfg.HistoryTurns,
		Log:            logger,
	}
	chatSvc := services.NewChatService(db, httpapi.ChatRepoShim{}, cfg.Pipeline.TitleMaxSession)
	go purgeReplayKeys(ctx, db, time.Hour, logger)

	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Deps{
		DB:       db,
		Chat:     chatSvc,
		Messages: msgSvc,
		Insights: insightsSvc,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Str("base_path", cfg.APIBasePath).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// In-flight metadata refreshes write to the DB, so they finish before it closes.
	insightsSvc.Wait()
	alerts.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownTracing(sctx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
}

// purgeReplayKeys deletes expired Idempotency-Key records every interval
// until ctx is cancelled.
func purgeReplayKeys(ctx context.Context, db *gorm.DB, every time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				logger.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("deleted", n).Msg("expired idempotency records purged")
			}
		}
	}
}

// newAlertPublisher connects to NATS when configured and falls back to a
// no-op publisher otherwise, so alerts stay best-effort.
func newAlertPublisher(cfg config.AlertsConfig, logger zerolog.Logger) safety.Publisher {
	if cfg.NATSURL == "" {
		return safety.NopPublisher{}
	}
	p, err := safety.NewNATSPublisher(cfg.NATSURL, cfg.NATSToken, cfg.SafetySubject, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("safety alerts disabled")
		return safety.NopPublisher{}
	}
	return p
}
