package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-checkin/internal/config"
	"ms-checkin/internal/database"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/outbox"
	outbox_db "ms-checkin/internal/outbox/db"
	"ms-checkin/internal/outbox/provider"
	"ms-checkin/internal/outbox/redislock"
)

// Standalone outbox processor. Runs the same delivery loop as the service
// binary; the redis run lock and the per-message claim keep any number of
// these safe to run side by side.
func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting outbox worker")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.ScanRecorded, cfg.Kafka.Topics.EmailStatus)
	defer producer.Close()

	service := outbox.NewService(
		&outbox_db.DB{Bun: bunDB},
		provider.NewClient(cfg.Provider),
		redislock.New(redisClient, cfg.Bulk.Interval*2),
		producer,
		cfg,
		log,
	)

	service.Run(ctx, cfg.Bulk.Interval)
	log.Info("APP", "Outbox worker stopped")
}
