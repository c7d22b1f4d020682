package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/campaign"
	campaign_api "ms-checkin/internal/campaign/api"
	"ms-checkin/internal/checkin"
	checkin_api "ms-checkin/internal/checkin/api"
	checkin_db "ms-checkin/internal/checkin/db"
	"ms-checkin/internal/checkin/policy"
	"ms-checkin/internal/config"
	"ms-checkin/internal/database"
	"ms-checkin/internal/database/migrations"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/outbox"
	outbox_api "ms-checkin/internal/outbox/api"
	outbox_db "ms-checkin/internal/outbox/db"
	"ms-checkin/internal/outbox/provider"
	"ms-checkin/internal/outbox/redislock"
	"ms-checkin/internal/outbox/webhook"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Check-In Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB, err := database.Connect(cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	log.Info("DATABASE", "✅ Redis connection successful to "+cfg.Redis.Addr)

	runner := migrations.NewRunner(bunDB, migrations.DefaultOptions(), log)
	if err := runner.RunMigrations(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}
	defer runner.Close()

	log.Info("KAFKA", fmt.Sprintf("Using Kafka brokers: %v", cfg.Kafka.Brokers))
	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.ScanRecorded, cfg.Kafka.Topics.EmailStatus)
	defer producer.Close()

	requiredTopics := []string{
		cfg.Kafka.Topics.ScanRecorded,
		cfg.Kafka.Topics.EmailStatus,
		cfg.Kafka.Topics.PaymentSucceeded,
		cfg.Kafka.Topics.PaymentRefunded,
	}
	if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	} else {
		log.Info("KAFKA", "Required topics ensured successfully")
	}

	registryDB := &checkin_db.DB{Bun: bunDB}
	outboxDB := &outbox_db.DB{Bun: bunDB}

	providerClient := provider.NewClient(cfg.Provider)
	runLock := redislock.New(redisClient, cfg.Bulk.Interval*2)
	outboxService := outbox.NewService(outboxDB, providerClient, runLock, producer, cfg, log)

	checkinService := checkin.NewService(registryDB, producer, log)
	issuer := checkin.NewIssuer(registryDB, outboxService, log)
	reconciler := webhook.NewReconciler(outboxDB, producer, cfg, log)
	campaignService := campaign.NewService(outboxDB, outboxService, cfg, log)

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	for _, topic := range []string{cfg.Kafka.Topics.PaymentSucceeded, cfg.Kafka.Topics.PaymentRefunded} {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, topic, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		go consumer.Start(consumerCtx, issuer.HandlePaymentEvent)
	}
	log.Info("KAFKA", "Payment event consumers started")

	go outboxService.Run(consumerCtx, cfg.Bulk.Interval)

	checkinHandler := &checkin_api.Handler{
		Service:  checkinService,
		Config:   cfg,
		Policies: policy.New(redisClient),
		Logger:   log,
	}
	outboxHandler := &outbox_api.Handler{
		Service:    outboxService,
		Reconciler: reconciler,
		Logger:     log,
	}
	campaignHandler := &campaign_api.Handler{
		Service: campaignService,
		Logger:  log,
	}

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	// --- Public Routes ---
	// The provider webhook authenticates with its HMAC signature.
	r.Route("/api", func(r chi.Router) {
		outboxHandler.RegisterWebhookRoutes(r)
	})
	log.Info("ROUTER", "Provider webhook registered at /api/webhooks/email")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware())
		log.Info("AUTH", "JWT middleware applied to protected API routes")

		r.Route("/api", func(r chi.Router) {
			checkinHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Check-in routes registered under /api/checkin")

			outboxHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Message routes registered under /api/messages")

			campaignHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Campaign routes registered under /api/campaigns")
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", "🚀 Check-In Service running on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopConsumers()

	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Check-In Service shutdown complete")
	}
}
