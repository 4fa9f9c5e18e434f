package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7hub/internal/config"
	"github.com/ehr/hl7hub/internal/domain/validation"
	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/db"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/internal/platform/middleware"
	"github.com/ehr/hl7hub/internal/platform/telemetry"
	"github.com/ehr/hl7hub/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			warm, _ := cmd.Flags().GetStringSlice("warm")
			return runServer(warm)
		},
	}
	cmd.Flags().StringSlice("warm", nil, "Flows whose schemas are loaded before serving")
	return cmd
}

func runServer(warm []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, validation results will not be stored")
	}

	metrics := telemetry.NewMetrics()
	hub := websocket.NewHub(logger, metrics)

	svc, err := newService(cfg, pool, logger, func(vc *validation.Config) {
		vc.Observer = metrics
		vc.Publisher = hub
	})
	if err != nil {
		return err
	}
	for _, flow := range warm {
		if _, err := svc.Warm(ctx, flow); err != nil {
			logger.Fatal().Err(err).Str("flow", flow).Msg("failed to warm flow")
		}
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, 2*time.Second))
	}
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	validation.NewHandler(svc).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1)

	// Live result stream: ?topics=results,results.<flow>,results.invalid
	stream := websocket.NewHandler(hub, cfg.StreamOriginList()...)
	apiV1.GET("/results/stream", stream.Connect, auth.RequireRole(auth.RoleReader))

	// HL7v2 MLLP listener, started when MLLP_ADDR is set
	if cfg.MLLPAddr != "" {
		if err := requireFlow(cfg.DefaultFlow); err != nil {
			logger.Fatal().Err(err).Msg("MLLP_ADDR needs DEFAULT_FLOW")
		}
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, validation.MLLPHandler(svc, cfg.DefaultFlow, logger), logger)
		if err := mllpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("MLLP server failed")
		}
		defer mllpServer.Stop()
		logger.Info().Str("addr", mllpServer.Addr()).Str("flow", cfg.DefaultFlow).Msg("MLLP server started")
	}

	// Result retention
	if pool != nil && cfg.Retention() > 0 {
		retention := validation.NewRetention(validation.NewResultRepoPG(pool), cfg.Retention(), logger)
		if err := retention.Start(cfg.RetentionSchedule); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.RetentionSchedule).Msg("invalid retention schedule")
		}
		defer retention.Stop()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
