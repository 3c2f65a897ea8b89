// Package api exposes the Coordinator's submit/cancel/retry/get_status/
// queue_status operations as a JWT-authenticated gin HTTP façade, plus a
// WebSocket stream of periodic queue-status snapshots.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"log/slog"

	"github.com/khryptorgraphics/gpubuild/internal/config"
	"github.com/khryptorgraphics/gpubuild/pkg/auth"
	"github.com/khryptorgraphics/gpubuild/pkg/coordinator"
)

// Server is the HTTP façade over a Coordinator.
type Server struct {
	cfg        config.HTTPConfig
	coordinator *coordinator.Coordinator
	jwtSvc     *auth.JWTService
	authMw     *auth.Middleware
	logger     *slog.Logger
	httpServer *http.Server
	hub        *Hub
}

// NewServer constructs a Server. jwtSvc must already be initialized from
// cfg.JWTSecret — the façade never generates its own secret.
func NewServer(cfg config.HTTPConfig, coor *coordinator.Coordinator, jwtSvc *auth.JWTService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		coordinator: coor,
		jwtSvc:      jwtSvc,
		authMw:      auth.NewMiddleware(jwtSvc),
		logger:      logger,
		hub:         NewHub(logger),
	}
}

// Start builds the router and serves until ctx is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)
	go s.streamQueueStatus(ctx)

	s.logger.Info("starting http facade", "address", s.cfg.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http facade")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.securityHeadersMiddleware())

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/api/v1")
	v1.Use(s.authMw.RequireAuth())
	{
		builds := v1.Group("/builds")
		{
			builds.POST("", s.rateLimitMiddleware(), s.submitBuildHandler)
			builds.GET("/:id", s.getStatusHandler)
			builds.DELETE("/:id", s.authMw.RequireOperator(), s.cancelBuildHandler)
			builds.POST("/:id/retry", s.authMw.RequireOperator(), s.retryBuildHandler)
		}
		v1.GET("/queue", s.queueStatusHandler)
	}

	router.GET("/ws/queue", s.authMw.RequireAuth(), s.queueWebSocketHandler)

	return router
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}
