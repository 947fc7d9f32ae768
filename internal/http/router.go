// Package httpapi wires the HTTP transport (Gin) to the allocation engine,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, operator identity, idempotency, and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/config"
	"github.com/tbourn/go-conversation-router/internal/http/handlers"
	"github.com/tbourn/go-conversation-router/internal/http/middleware"
	"github.com/tbourn/go-conversation-router/internal/services"
)

// Deps are the application services the routes are served by.
type Deps struct {
	DB         *gorm.DB
	Allocation *services.AllocationService
	Operators  *services.OperatorService
	Reclaimer  *services.Reclaimer
	History    handlers.HistoryService
}

var (
	corsMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderOperatorID, middleware.HeaderIdempotencyKey, "If-None-Match",
	}
	corsExpose = []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter, gzip
//  6. Metrics
//  7. CORS and Security headers
//
// and, on the API group only:
//  8. Identity (X-Operator-ID)
//  9. Idempotency validator (before rate limiting to allow bypass on replay)
//  10. Rate limiter (per operator/IP, bypass on replay)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(deps.DB))

	idem := services.NewIdempotencyStore(deps.DB, cfg.IdempotencyTTL)
	h := handlers.New(deps.Allocation, deps.Operators, deps.Reclaimer, deps.History, idem)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOperatorOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		middleware.Identity(services.DBIdentityResolver{DB: deps.DB}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idem.Exists),
		rl.Handler(),
	)
	{
		// Conversations
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/search", middleware.NoStore(), h.SearchConversations)
		api.POST("/conversations/allocate", h.Allocate)
		api.POST("/conversations/manager-allocate", h.ManagerAllocate)
		api.POST("/conversations/recompute-priorities", h.RecomputePriorities)
		api.GET("/conversations/:id", h.GetConversation)
		api.GET("/conversations/:id/messages", middleware.NoStore(), h.ConversationMessages)
		api.POST("/conversations/:id/claim", h.Claim)
		api.POST("/conversations/:id/resolve", h.Resolve)
		api.POST("/conversations/:id/deallocate", h.Deallocate)
		api.POST("/conversations/:id/reassign", h.Reassign)
		api.POST("/conversations/:id/move", h.MoveInbox)

		// Grace holds
		api.GET("/conversations/:id/hold", h.GetHold)
		api.POST("/conversations/:id/hold", h.PlaceHold)
		api.DELETE("/conversations/:id/hold", h.CancelHold)
		api.GET("/holds", h.ListHolds)

		// Operators
		api.GET("/operators", h.ListOperators)
		api.GET("/operators/:id/status", h.GetOperatorStatus)
		api.PUT("/operators/:id/status", h.SetOperatorStatus)
		api.GET("/operators/:id/stats", h.OperatorStats)
		api.GET("/operators/:id/inboxes", h.OperatorInboxes)
	}
}

// corsMiddleware allows every origin when none are configured, and echoes
// allowlisted origins otherwise.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     corsMethods,
				AllowHeaders:     corsHeaders,
				ExposeHeaders:    corsExpose,
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
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
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// health reports liveness and whether the database answers a ping.
func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if db != nil {
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{"status": status})
	}
}

// limitBody caps the request body size using http.MaxBytesReader. Requests
// exceeding the cap cause downstream body reads to error.
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
