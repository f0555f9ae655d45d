package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/kmassidik/walletd/internal/common/broker"
	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/db"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/common/middleware"
	"github.com/kmassidik/walletd/internal/coordinator"
	"github.com/kmassidik/walletd/internal/httpapi"
	"github.com/kmassidik/walletd/internal/idempotency"
	"github.com/kmassidik/walletd/internal/journal"
	"github.com/kmassidik/walletd/internal/transfer"
	"github.com/kmassidik/walletd/internal/wallet"
	"github.com/kmassidik/walletd/migrations"
	"github.com/kmassidik/walletd/pkg/outbox"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load("walletd")
	log := logger.New("walletd")
	defer log.Sync()

	database, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(cfg.Database, log); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

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

	pool := goredis.NewPool(redisCache.Client())
	locker := redsync.New(pool)

	outboxRepo := outbox.NewRepository(database.DB, log)
	coord := coordinator.New(database, outboxRepo, amqpBroker, locker, log, cfg.LockTTL)

	walletRepo := wallet.NewRepository(log)
	journalRepo := journal.NewRepository(database.DB)
	idemRepo := idempotency.NewRepository(database.DB)

	walletService := wallet.NewService(walletRepo, journalRepo, idemRepo, redisCache, coord, log)

	transferRepo := transfer.NewRepository(database.DB)
	transferService := transfer.NewService(transferRepo, walletRepo, journalRepo, idemRepo, coord, database, log)
	transferRecovery := transfer.NewRecovery(transferService, transferRepo, 10*time.Second, cfg.Saga.StuckThreshold)

	handler := httpapi.NewHandler(walletService, transferService, database.DB, log)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, database, redisCache, amqpBroker)

	var root http.Handler = middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.Logging(log),
		middleware.CORS,
	)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	relay := outbox.NewRelay(outboxRepo, amqpBroker, log, cfg.OutboxBatchSize, cfg.OutboxInterval)
	go relay.Start(workersCtx)
	go transferRecovery.Start(workersCtx)

	go func() {
		log.Infof("walletd listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down walletd")
	cancelWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Info("walletd exited gracefully")
}

// runMigrations applies every pending migration embedded in the
// migrations package before any repository touches the database.
// golang-migrate tracks the applied version in its own
// schema_migrations table, so this is a no-op on every restart after the
// first.
func runMigrations(cfg config.DatabaseConfig, log *logger.Logger) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migrate: open embedded source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate: up: %w", err)
	}

	log.Info("database migrations applied")
	return nil
}
