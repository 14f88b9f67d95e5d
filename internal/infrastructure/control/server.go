package control

import (
	"context"
	"net/http"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	"peercall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the local control API: the boundary where user actions from
// the UI process reach the engine.
type Server struct {
	srv     *http.Server
	logger  *zap.SugaredLogger
	started time.Time
}

func NewServer(
	cfg *config.Config,
	engine ports.CallEngine,
	callLog httphandlers.CallLogReader,
	health *monitoring.HealthChecker,
	logger *zap.SugaredLogger,
) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{logger: logger, started: time.Now()}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Probes and metrics stay open for the supervisor; everything
	// registered after the auth middleware needs the token.
	router.GET("/healthz", s.healthz)
	router.GET("/ready", s.readiness(health))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.Use(middleware.TokenAuthMiddleware(cfg.Control.AuthToken))

	httphandlers.NewEngineHandler(engine).SetupRoutes(router)
	if callLog != nil {
		httphandlers.NewCallLogHandler(callLog, domain.UserID(cfg.Identity.UserID)).SetupRoutes(router)
	}

	s.srv = &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
	return s
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.started).String(),
	})
}

func (s *Server) readiness(health *monitoring.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, gin.H{
				"status":    "ready",
				"timestamp": time.Now(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// Run blocks serving the API until Shutdown or a listener error.
func (s *Server) Run() error {
	s.logger.Infow("control API listening", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
