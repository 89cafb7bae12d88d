package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/proisp/sharing/internal/config"
	"github.com/proisp/sharing/internal/database"
	"github.com/proisp/sharing/internal/handlers"
	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/middleware"
	"github.com/proisp/sharing/internal/mikrotik"
	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/services"
	"github.com/proisp/sharing/internal/sharing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	loc, err := cfg.Detection.Location()
	if err != nil {
		logging.Fatal().Err(err).Str("timezone", cfg.Detection.Timezone).Msg("Invalid timezone")
	}

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		logging.Fatal().Err(err).Msg("Failed to run migrations")
	}

	jwtSecret, err := database.EnsureJWTSecret(database.DB, cfg.Auth.JWTSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load JWT secret")
	}

	cache := database.NewCache()
	settings := services.NewSettingsService(database.DB, cache)
	if err := settings.EnsureDefaults(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to install default sharing detection settings")
	}

	// MikroTik connection pool shared by session collection and rule provisioning
	pool := mikrotik.NewConnectionPool(mikrotik.DefaultPoolConfig())
	pool.Start()
	defer pool.Stop()

	rules := services.NewNasRuleService(database.DB, mikrotik.NewTTLRuleManager(pool, cfg.Detection.RuleTag()), cfg.Detection.NasQueryTimeout)
	collector := services.NewSessionCollector(database.DB, pool, cfg.Detection.NasQueryTimeout)
	history := services.NewGormHistoryStore(database.DB)
	detection := services.NewSharingDetectionService(
		database.DB,
		collector,
		sharing.NewAnalyzer(cfg.Detection.AnalyzerWorkers),
		history,
		settings,
		services.SharingDetectionConfig{Location: loc, TickInterval: cfg.Detection.TickInterval},
	)

	// Supervise the daily scan scheduler
	supervisorLog := logging.Component("supervisor")
	supervisor := suture.New("proisp-sharing", suture.Spec{
		EventHook: func(e suture.Event) {
			supervisorLog.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureBackoff: 15 * time.Second,
		Timeout:        10 * time.Second,
	})
	supervisor.Add(detection)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisorErr := supervisor.ServeBackground(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "ProISP Sharing Detection",
		ServerHeader: "ProISP",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "healthy",
			"service":      "proisp-sharing",
			"scan_running": detection.Running(),
			"nas_pool":     pool.Stats(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api")
	protected := api.Group("", middleware.AuthRequired(jwtSecret, cache))

	sharingHandler := handlers.NewSharingDetectionHandler(detection, settings, rules, history)
	sharingHandler.Register(protected.Group("/sharing", middleware.AdminOnly(), middleware.AuditLogger(database.DB)))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-quit:
		case err := <-supervisorErr:
			logging.Error().Err(err).Msg("Supervisor stopped")
		}
		logging.Info().Msg("Shutting down server...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logging.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logging.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("Starting sharing detection API")
	if err := app.Listen(addr); err != nil {
		logging.Error().Err(err).Msg("Server stopped")
	}
}
