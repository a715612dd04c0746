package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/stringwatch/stringwatch/internal/config"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/events"
	"github.com/stringwatch/stringwatch/internal/handlers"
	"github.com/stringwatch/stringwatch/internal/jobs"
	"github.com/stringwatch/stringwatch/internal/middleware"
	"github.com/stringwatch/stringwatch/internal/mqtt"
	"github.com/stringwatch/stringwatch/internal/notify"
	"github.com/stringwatch/stringwatch/internal/providers/fusionsolar"
	"github.com/stringwatch/stringwatch/internal/providers/growatt"
	"github.com/stringwatch/stringwatch/internal/providers/soliscloud"
	"github.com/stringwatch/stringwatch/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting string telemetry monitor...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
			"/ws/events",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	db := database.GetDB()

	// Live event stream for dashboards
	hub := events.NewHub()

	// MQTT publisher (no-op when disabled)
	publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		Enabled:     cfg.MQTTEnabled,
	})
	if err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	if cfg.MQTTEnabled {
		log.Printf("MQTT publishing enabled on %s", cfg.MQTTBroker)
	}

	// Alert sinks fan out open/resolve events to every notification channel
	alertSinks := []services.AlertSink{hub, publisher}
	if cfg.SlackEnabled {
		alertSinks = append(alertSinks, notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel))
		log.Printf("Slack notifications enabled on channel %s", cfg.SlackChannel)
	}

	alertService := services.NewAlertService(db, alertSinks...)
	aggregateService := services.NewAggregateService(db, cfg.SiteTZOffsetMinutes)

	// One runner per configured vendor
	var runners []*jobs.ProviderRunner
	if cfg.Providers.FusionSolar.Configured() {
		client := fusionsolar.NewClient(cfg.Providers.FusionSolar)
		runners = append(runners, jobs.NewProviderRunner(client, db, alertService, aggregateService, publisher))
		log.Printf("FusionSolar provider configured")
	}
	if cfg.Providers.Growatt.Configured() {
		client := growatt.NewClient(cfg.Providers.Growatt)
		runner := jobs.NewProviderRunner(client, db, alertService, aggregateService, publisher)
		runner.SetVendorTypeMapper(growatt.VendorDeviceType)
		runners = append(runners, runner)
		log.Printf("Growatt provider configured")
	}
	if cfg.Providers.Solis.Configured() {
		client := soliscloud.NewClient(cfg.Providers.Solis)
		runners = append(runners, jobs.NewProviderRunner(client, db, alertService, aggregateService, publisher))
		log.Printf("SolisCloud provider configured")
	}
	if len(runners) == 0 {
		log.Printf("Warning: no providers configured, serving stored data only")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	poller := jobs.NewPoller(cfg.PollInterval, runners...)
	poller.Start(ctx)

	retention := jobs.NewRetentionJob(db, cfg.RetentionDays)
	retention.Start()

	// Set up HTTP server routes
	apiHandler := handlers.NewAPIHandler(db, alertService, jwtAuthMiddleware)
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)
	hub.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: jwtAuthMiddleware.Wrap(mux),
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Println("Monitor is running! Press Ctrl+C to exit.")
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)
	log.Printf("Event stream: ws://localhost:%d/ws/events", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	ctxCancel()
	poller.Stop()
	retention.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	publisher.Close()
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
