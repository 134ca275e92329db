package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ebuilderhost/provisioner/internal/config"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
}

// Admin API rate limit: 120 requests per admin per minute.
var adminRateLimiter = NewRateLimiter(120, time.Minute)

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "provisioner",
		})
	})

	// Prometheus metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Payment provider webhook - authenticated by signature, not by
	// middleware
	s.router.POST("/api/webhook/stripe", s.handler.StripeWebhook)

	// Admin API - requires JWT authentication
	admin := s.router.Group("/api/admin")
	admin.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	admin.Use(RateLimitMiddleware(adminRateLimiter))
	{
		admin.GET("/instances", s.handler.ListInstances)
		admin.GET("/instances/:id", s.handler.GetInstance)
		admin.GET("/instances/:id/logs", s.handler.GetInstanceLogs)
		admin.GET("/instances/:id/health", s.handler.GetInstanceHealth)
		admin.GET("/instances/:id/stats", s.handler.GetInstanceStats)
		admin.POST("/instances/:id/start", s.handler.StartInstance)
		admin.POST("/instances/:id/stop", s.handler.StopInstance)
		admin.POST("/instances/:id/restart", s.handler.RestartInstance)
		admin.POST("/instances/:id/retry", s.handler.RetryInstance)
		admin.POST("/instances/:id/update", s.handler.UpdateInstance)
		admin.POST("/instances/:id/terminate", s.handler.TerminateInstance)

		admin.GET("/customers", s.handler.ListCustomers)
		admin.GET("/stats", s.handler.GetDashboardStats)
	}

	// Maintenance API - called by operator tooling
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/sync", s.handler.Sync)
		internal.POST("/cleanup", s.handler.Cleanup)
		internal.POST("/nginx/regenerate", s.handler.RegenerateProxyConfigs)
		internal.POST("/health-check", s.handler.HealthCheckAll)
		internal.GET("/stats", s.handler.GetDashboardStats)
	}
}

// Handler exposes the router for an http.Server with graceful shutdown.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
