package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voicelink/internal/core/ports"
	"voicelink/internal/core/services"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/internal/infrastructure/monitoring"
	"voicelink/pkg/config"
	rlog "voicelink/pkg/logger"
)

type RouterDeps struct {
	Config   *config.Config
	Auth     services.AuthService
	Sessions ports.SessionDirectory
	Health   *monitoring.HealthChecker
	// Nil disables /metrics.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter wires middleware, probes and the authenticated /api/v1 group.
func NewRouter(d RouterDeps) *gin.Engine {
	sugar := d.Logger.Sugar()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.RequestLoggerMiddleware(rlog.NewContextLogger(d.Logger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(sugar),
	)

	NewHealthHandler(d.Health, d.Gatherer).SetupRoutes(router)

	stream := NewStateStream(d.Config.Auth.AllowedOrigins, d.Config.Server.PingInterval, d.Config.Server.PongTimeout, sugar)
	calls := NewCallHandler(d.Sessions, stream, d.Logger)

	api := router.Group("/api/v1")
	api.Use(
		middleware.NewHTTPRateLimitMiddleware(d.Config),
		middleware.AuthMiddleware(d.Auth),
	)
	calls.SetupRoutes(api)

	return router
}
