// Package main provides the Kafka observation consumer for the listing tracker.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listing-tracker/internal/app"
	"github.com/listing-tracker/internal/config"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/worker"
)

func main() {
	fmt.Println("Listing Tracker Ingest Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.WithError(err).Warn("Error closing connections")
		}
	}()

	kafkaCfg := cfg.Events.Kafka
	reader := worker.NewKafkaObservationReader(kafkaCfg.Brokers, kafkaCfg.ObservationTopic, kafkaCfg.GroupID)
	consumer, err := worker.NewObservationConsumer(&worker.ConsumerConfig{
		Reader:    reader,
		Processor: services.Ingest,
		BatchSize: cfg.Ingest.BatchSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create observation consumer")
	}

	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start observation consumer")
	}
	logger.WithFields(map[string]interface{}{
		"brokers": kafkaCfg.Brokers,
		"topic":   kafkaCfg.ObservationTopic,
		"groupId": kafkaCfg.GroupID,
	}).Info("Ingest worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down ingest worker...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := consumer.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Observation consumer did not stop cleanly")
	}

	stats := consumer.Stats()
	logger.WithFields(map[string]interface{}{
		"batches":      stats.Batches,
		"observations": stats.Observations,
		"failed":       stats.Failed,
		"malformed":    stats.Malformed,
	}).Info("Ingest worker exited")
}
