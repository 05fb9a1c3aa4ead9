// Package api exposes the engine over HTTP and streams bus events over
// websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-core/internal/engine"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/pkg/db"
	"order-core/pkg/logger"
)

// AccountStore is the part of the account directory used for auth.
type AccountStore interface {
	ByEmail(ctx context.Context, email string) (*db.Account, error)
	Create(ctx context.Context, a db.Account) error
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Accounts  AccountStore
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string

	log     *zap.Logger
	limiter *ipRateLimiter
}

// Options configures NewServer. Bus and Metrics are optional.
type Options struct {
	Engine    engine.Service
	Accounts  AccountStore
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Logger    *zap.Logger

	// RateLimit is requests per second per client IP; Burst the bucket size.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

func NewServer(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	s := &Server{
		Router:    gin.New(),
		Engine:    opts.Engine,
		Accounts:  opts.Accounts,
		Bus:       opts.Bus,
		Metrics:   opts.Metrics,
		JWTSecret: opts.JWTSecret,
		log:       logger.OrNop(opts.Logger),
		limiter:   newIPRateLimiter(opts.RateLimit, opts.Burst),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())                        // Panic recovery (first)
	s.Router.Use(RequestIDMiddleware())                 // Request ID tracking
	s.Router.Use(RequestLogger(s.log, s.Metrics))       // Request logging (after ID is set)
	s.Router.Use(RateLimitMiddleware(s.limiter, s.log)) // Rate limiting
	s.Router.Use(TimeoutMiddleware(opts.Timeout))       // Request deadline
	s.Router.Use(CORSMiddleware())                      // CORS (last before routes)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/system/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerAccount)
			auth.POST("/login", s.login)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)

			protected.GET("/supervisors", s.getSupervisors)
			protected.PATCH("/supervisors/:id", s.amendSupervisor)

			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/:symbol", s.getPosition)

			protected.GET("/balances", s.getBalances)
			protected.POST("/balances/withdraw", s.withdraw)

			// Crediting funds and lifting ledger halts are operator actions.
			admin := protected.Group("/admin")
			admin.Use(RequireRole(roleAdmin))
			{
				admin.GET("/accounts/:id", s.getAccountStatus)
				admin.POST("/accounts/:id/deposit", s.deposit)
				admin.POST("/accounts/:id/resume", s.resumeAccount)
			}

			compliance := protected.Group("/compliance")
			compliance.Use(RequireRole(roleAdmin))
			{
				compliance.GET("/open", s.getOpenComplianceEvents)
				compliance.GET("/events", s.getComplianceEvents)
				compliance.POST("/events/:id/resolve", s.resolveComplianceEvent)
				compliance.GET("/stats", s.getComplianceStats)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HTTPServer returns a server for addr so the caller can shut it down.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
