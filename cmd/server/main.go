package main

//go:generate swag init --dir ../.. --generalInfo cmd/server/main.go --output ../../docs

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chiller/backend/internal/config"
	"chiller/backend/internal/connection"
	"chiller/backend/internal/database"
	"chiller/backend/internal/degree"
	"chiller/backend/internal/discovery"
	"chiller/backend/internal/feed"
	"chiller/backend/internal/handler"
	"chiller/backend/internal/hub"
	"chiller/backend/internal/identity"
	"chiller/backend/internal/phone"
	"chiller/backend/internal/telemetry"
	"chiller/backend/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	// Swagger imports
	_ "chiller/backend/docs" // This is important for swag to find the generated docs

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const serviceName = "chiller-backend"

func init() {
	config.LoadConfig()
}

// @title           Chiller API
// @version         1.0
// @description     Connection graph and contact discovery service.
// @host            localhost:8080
// @BasePath        /api/v1
// @securityDefinitions.apiKey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg := config.AppConfig
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Exporter:       cfg.TraceExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Connect to the database
	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	phones := phone.New(cfg.CountryPrefixes(), cfg.PhoneDigits)
	events := hub.NewHub()
	users := identity.NewDirectory(db, phones, logger)
	degrees := degree.New(db, users, logger)
	connections := connection.NewStore(db, logger, events, degrees)

	if cfg.OTPCodeHash == "" {
		logger.Warn("OTP_CODE_HASH is empty, every login will be rejected")
	}

	h := handler.New(handler.Deps{
		Users:              users,
		Verifier:           identity.NewHashedCodeVerifier(cfg.OTPCodeHash),
		Tokens:             jwt.NewIssuer(cfg.JWTSecret, cfg.JWTTTL),
		Connections:        connections,
		Degrees:            degrees,
		Matcher:            discovery.NewMatcher(db, connections, phones, logger),
		Feed:               feed.NewService(db, logger),
		Hub:                events,
		Phones:             phones,
		Logger:             logger,
		RebuildConcurrency: cfg.RebuildConcurrency,
	})

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check endpoint
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	h.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Open event streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server is running", "addr", cfg.HTTPAddr)
		logger.Info("swagger UI is available", "url", "http://localhost"+cfg.HTTPAddr+"/swagger/index.html")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		worker := degree.NewWorker(degrees, cfg.RepairInterval, cfg.RepairRate)
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
