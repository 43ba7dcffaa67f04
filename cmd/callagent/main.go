package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/core/services"
	httphandlers "voicelink/internal/handlers/http"
	"voicelink/internal/infrastructure/bus"
	"voicelink/internal/infrastructure/monitoring"
	webrtcinfra "voicelink/internal/infrastructure/webrtc"
	"voicelink/pkg/config"
	"voicelink/pkg/logger"
	"voicelink/pkg/tracing"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configPaths = []string{
	"config/callagent.yaml",
	"./callagent.yaml",
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	tokenTTL := flag.Duration("token-ttl", time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := services.NewAuthService(cfg.Auth.JWTSecret, *tokenTTL).GenerateToken(domain.UserID(*issueToken), "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if loadedFrom == "" {
		log.Info("No config file found, using defaults")
	} else {
		log.Infow("Loaded config", "path", loadedFrom)
	}

	if err := run(cfg, zapLogger); err != nil {
		log.Fatalw("Call agent failed", "error", err)
	}
}

// loadConfig honours an explicit path, then the first search path that exists.
func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, "", err
		}
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerURL:      cfg.Tracing.JaegerURL,
		Environment:    cfg.Tracing.Environment,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	messageBus, driver, err := bus.NewFromConfig(ctx, cfg, log.Named("bus"))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	var (
		metrics  ports.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	transports, err := webrtcinfra.NewTransportFactory(webrtcinfra.ConfigFrom(cfg), metrics, log)
	if err != nil {
		messageBus.Close()
		return fmt.Errorf("init webrtc: %w", err)
	}

	manager := services.NewSessionManager(services.CallConfigFrom(cfg), services.CallSessionDeps{
		Bus:        messageBus,
		Transports: transports,
		Media:      webrtcinfra.NewSyntheticSource(log),
		Metrics:    metrics,
		Logger:     log,
	})

	checker := monitoring.NewHealthChecker(log)
	checker.AddBusCheck(messageBus, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	checker.AddSessionCheck(manager, cfg.Monitoring.MaxSessions, cfg.Monitoring.HealthCheckInterval, time.Second)
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:   cfg,
		Auth:     services.NewAuthService(cfg.Auth.JWTSecret, 0),
		Sessions: manager,
		Health:   checker,
		Gatherer: gatherer,
		Logger:   zapLogger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting call agent", "address", cfg.Server.Address, "bus", driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("Server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Hang up every call before the bus goes away so peers hear about it.
	manager.Close()

	if err := messageBus.Close(); err != nil {
		log.Errorw("Error closing bus", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("Call agent stopped")
	return runErr
}
