// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// authentication, idempotency, rate limiting, CORS and security headers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/config"
	"github.com/tbourn/mentor-chat-backend/internal/docs"
	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/http/handlers"
	"github.com/tbourn/mentor-chat-backend/internal/http/middleware"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// ChatRepoShim adapts the repository free functions to services.ChatRepo.
type ChatRepoShim struct{}

func (ChatRepoShim) CreateConversation(ctx context.Context, db *gorm.DB, studentID, title string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, studentID, title)
}

func (ChatRepoShim) GetConversationForStudent(ctx context.Context, db *gorm.DB, id, studentID string) (*domain.Conversation, error) {
	return repo.GetConversationForStudent(ctx, db, id, studentID)
}

func (ChatRepoShim) RenameConversation(ctx context.Context, db *gorm.DB, id, studentID, title string) error {
	return repo.RenameConversation(ctx, db, id, studentID, title)
}

func (ChatRepoShim) CountConversations(ctx context.Context, db *gorm.DB, studentID string) (int64, error) {
	return repo.CountConversations(ctx, db, studentID)
}

func (ChatRepoShim) ListConversationsPage(ctx context.Context, db *gorm.DB, studentID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, studentID, offset, limit)
}

// Deps are the collaborators the router mounts. Limiter is optional; when nil
// one is built from cfg.RateLimit and cfg.RateWindow.
type Deps struct {
	DB       *gorm.DB
	Chat     handlers.ChatService
	Messages handlers.MessageService
	Insights handlers.InsightsService
	Limiter  *middleware.RateLimiter
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. CORS and security headers
//
// Auth, idempotency and rate limiting are attached to the API group only, so
// /health, /metrics and the docs stay open to probes. The admin group is
// guarded by the admin token instead of a user identity.
func RegisterRoutes(r *gin.Engine, cfg config.Config, d Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		if d.DB != nil {
			if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	limiter := d.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, middleware.KeyByUserOrIP())
	}

	h := handlers.New(d.Chat, d.Messages, d.Insights)
	if cfg.IdempotencyTTL > 0 {
		h.IdempotencyTTL = cfg.IdempotencyTTL
	}

	base := groupWithPrefix(r, cfg.APIBasePath)
	base.Use(gzip.Gzip(gzip.DefaultCompression))

	api := base.Group("")
	api.Use(middleware.Auth(middleware.AuthOptions{
		Enabled: cfg.Auth.Enabled,
		Secret:  cfg.Auth.JWTSecret,
		Issuer:  cfg.Auth.Issuer,
	}))
	api.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(d.DB)))
	api.Use(limiter.Handler())
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.PUT("/sessions/:id/title", h.UpdateSessionTitle)

		api.GET("/sessions/:id/messages", h.ListMessages)
		api.POST("/sessions/:id/messages", h.PostMessage)
		api.GET("/sessions/:id/alerts", h.ListAlerts)

		api.POST("/session-metadata", h.SessionMetadata)
	}

	admin := base.Group("/admin", middleware.AdminToken(cfg.Auth.AdminToken))
	admin.POST("/session-metadata/backfill", h.Backfill)
}

// idempotencyLookup reports stored chat turns so replays bypass the limiter.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, userID, sessionID, key string, now time.Time) (bool, error) {
		_, err := repo.GetIdempotency(ctx, db, repo.ReplayKey{UserID: userID, SessionID: sessionID, Key: key}, now)
		return err == nil, nil
	}
}

func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// ACAO even without an Origin header, for curl and health probes.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
