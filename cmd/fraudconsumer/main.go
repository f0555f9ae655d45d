package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kmassidik/walletd/internal/common/broker"
	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/db"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/fraud"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load("fraudconsumer")
	log := logger.New("fraudconsumer")
	defer log.Sync()

	database, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	redisCache, err := cache.Connect(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	amqpBroker, err := broker.Connect(cfg.Broker, log)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer amqpBroker.Close()

	repo := fraud.NewRepository(database.DB)

	highValueRule, err := fraud.NewHighValueRule(cfg.Fraud)
	if err != nil {
		log.Fatalf("failed to build high-value rule: %v", err)
	}
	rapidWithdrawalsRule := fraud.NewRapidWithdrawalsRule(redisCache, cfg.Fraud)

	rules := []fraud.Rule{highValueRule, rapidWithdrawalsRule}

	consumer := fraud.NewConsumer(amqpBroker, cfg.Broker, rules, redisCache, repo, log)
	if err := consumer.Declare(); err != nil {
		log.Fatalf("failed to declare fraud queue topology: %v", err)
	}

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()

	go func() {
		log.Info("fraudconsumer listening for events")
		if err := consumer.Start(consumerCtx); err != nil {
			log.Fatalf("fraud consumer stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down fraudconsumer")
	cancelConsumer()
	log.Info("fraudconsumer exited gracefully")
}
