package api

import (
	"net/http"
	"time"

	"cmdrelay/internal/database"
	"cmdrelay/internal/server/api/middleware"
	"cmdrelay/internal/server/api/response"
	av1 "cmdrelay/internal/server/api/v1"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/config"
	"cmdrelay/internal/server/hub"
	"cmdrelay/internal/version"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Router handles all routing logic
type Router struct {
	engine *gin.Engine
	config *config.Config
	hub    *hub.Hub
	store  audit.Store
	logger *zap.Logger
}

// NewRouter creates and configures a new router
func NewRouter(cfg *config.Config, h *hub.Hub, store audit.Store, logger *zap.Logger) *Router {
	// Set gin mode based on config
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		engine: gin.New(),
		config: cfg,
		hub:    h,
		store:  store,
		logger: logger,
	}

	m := middleware.New(r.config, r.logger)

	// Basic middleware
	r.engine.Use(m.RequestID())
	r.engine.Use(m.Logger())
	r.engine.Use(m.Recovery())

	// CORS runs on the engine so preflights without a route are answered
	if r.config.API.CORS.Enabled {
		r.engine.Use(m.Cors())
	}

	// Websocket endpoint for web clients and agents
	r.engine.GET("/ws", gin.WrapH(h))

	r.setupAPI(m, store)

	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// setupAPI configures the REST routes
func (r *Router) setupAPI(m *middleware.Middleware, store audit.Store) {
	api := r.engine.Group("/api")

	// Security middleware
	api.Use(m.Secure(), m.NoCache())

	// Rate limiting if enabled
	if r.config.API.RateLimit.Enabled {
		api.Use(m.RateLimit())
	}

	api.GET("/health", r.health)
	api.GET("/version", func(c *gin.Context) {
		response.New(c, r.logger).Success(version.GetInfo())
	})

	av1.NewAPI(store, r.logger).RegisterRoutes(api.Group("/v1"))
}

// health reports liveness, connected sockets and the audit database pool
func (r *Router) health(c *gin.Context) {
	stats := r.hub.Stats()
	body := gin.H{
		"status":             "healthy",
		"timestamp":          time.Now().Format(time.RFC3339),
		"active_connections": stats.WebClients,
		"active_agents":      stats.Agents,
	}
	if s, ok := r.store.(interface{ Stats() database.Stats }); ok {
		db := s.Stats()
		body["audit_db"] = gin.H{
			"open_connections": db.OpenConnections,
			"in_use":           db.InUse,
			"queries":          db.QueryCount,
			"query_errors":     db.QueryErrors,
			"slow_queries":     db.SlowQueries,
			"avg_query_ms":     db.AvgQueryTime.Milliseconds(),
		}
	}
	c.JSON(http.StatusOK, body)
}
