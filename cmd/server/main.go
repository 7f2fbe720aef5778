package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	swagger "github.com/gofiber/swagger"

	"github.com/forecastworks/pfa-mirror/internal/config"
	"github.com/forecastworks/pfa-mirror/internal/database"
	"github.com/forecastworks/pfa-mirror/internal/handlers"
	"github.com/forecastworks/pfa-mirror/internal/middleware"
	"github.com/forecastworks/pfa-mirror/internal/sync"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/forecastworks/pfa-mirror/internal/utils"

	_ "github.com/forecastworks/pfa-mirror/docs/api" // Swagger docs
)

// @title PFA Mirror API
// @version 1.0.0
// @description Mirror + delta data service for Plan/Forecast/Actual equipment records
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url https://github.com/forecastworks/pfa-mirror

// @host localhost:3000
// @BasePath /api
// @schemes http https

// @securityDefinitions.apikey CookieAuth
// @in cookie
// @name cookie_session

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	// Run auto-migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// External system client (shared by the admin sync triggers); optional,
	// the worker binary is the usual driver of these pipelines.
	var source sync.Source
	var target sync.Target
	if cfg.SourceURL != "" {
		client, err := sync.NewClient(cfg.SourceURL, cfg.SourceAPIKey)
		if err != nil {
			log.Fatalf("Failed to create source client: %v", err)
		}
		source = client
		target = client
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(compress.New())

	// Prometheus metrics
	prometheus := fiberprometheus.New("pfa_mirror")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	// API routes under /api
	api := app.Group("/api")
	api.Use(middleware.VersionMiddleware())

	adminHandler := &handlers.AdminHandler{DB: db, Cfg: cfg, Logger: config.GetLogger(), Source: source, Target: target}
	api.Get("/health", adminHandler.GetHealth)

	// PFA routes are tenant scoped
	pfa := api.Group("/pfa")
	pfa.Use(middleware.Tenant())

	viewHandler := &handlers.ViewHandler{DB: db}
	draftHandler := &handlers.DraftHandler{DB: db}

	// Merged views and drafts (user role)
	pfa.Get("/views", middleware.AuthUser(), viewHandler.GetMergedViews)
	pfa.Get("/views/count", middleware.AuthUser(), viewHandler.GetMergedViewCount)
	pfa.Get("/views/:mirrorId", middleware.AuthUser(), viewHandler.GetMergedView)
	pfa.Get("/modifications/:mirrorId", middleware.AuthUser(), viewHandler.GetModifications)
	pfa.Post("/drafts", middleware.AuthUser(), draftHandler.SaveDraft)
	pfa.Post("/drafts/commit", middleware.AuthUser(), draftHandler.Commit)
	pfa.Post("/drafts/discard", middleware.AuthUser(), draftHandler.Discard)

	// Operator routes (admin role)
	pfa.Post("/sync/ingest", middleware.AuthAdmin(), adminHandler.TriggerIngest)
	pfa.Post("/sync/pushback", middleware.AuthAdmin(), adminHandler.TriggerPushback)
	pfa.Post("/modifications/:id/retry", middleware.AuthAdmin(), adminHandler.RetryModification)
	pfa.Get("/history/:mirrorId", middleware.AuthAdmin(), adminHandler.GetMirrorHistory)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":    fiber.StatusNotFound,
			"message":   "[404] Resource Not Found",
			"ok":        false,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"url":       c.OriginalURL(),
		})
	})

	// Authorizer is initialized lazily on the first authenticated request
	log.Printf("Authorizer will be initialized on first authenticated request")

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Gracefully shutting down...")
		_ = app.Shutdown()
	}()

	// Start server
	port := cfg.Port
	log.Printf("Starting server on port %s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Println("Server stopped")
}

// customErrorHandler handles errors globally
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Engine errors carry their own status mapping
	if types.KindOf(err) != "" {
		return utils.EngineErrorResponse(c, err)
	}

	code := fiber.StatusInternalServerError
	message := err.Error()
	errorType := "unknown"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	if e, ok := err.(*types.CustomError); ok {
		code = e.Code
		message = e.Message
		errorType = e.Type
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    code,
		"message":   message,
		"ok":        false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       c.OriginalURL(),
		"type":      errorType,
	})
}
