package outbox

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/kmassidik/walletd/internal/common/logger"
)

func setupTestDB(t *testing.T) (*Repository, *sql.DB) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=postgres password=postgres dbname=walletd_outbox_test sslmode=disable"
	}

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("Cannot open database: %v", err)
		return nil, nil
	}
	if err := database.Ping(); err != nil {
		t.Skipf("Cannot connect to database: %v", err)
		return nil, nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		aggregate_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		topic VARCHAR(100) NOT NULL,
		payload JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		published_at TIMESTAMP WITH TIME ZONE
	);
	TRUNCATE outbox_events CASCADE;
	`
	if _, err := database.Exec(schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	log := logger.New("test")
	repo := NewRepository(database, log)
	return repo, database
}

func testLogger() *logger.Logger {
	return logger.New("test")
}

func cleanupTestDB(_ *testing.T, database *sql.DB) {
	if database == nil {
		return
	}
	database.Exec("TRUNCATE outbox_events CASCADE")
	database.Close()
}

func TestSaveEvent(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	event := &OutboxEvent{
		AggregateID: "wallet-123",
		EventType:   "FUNDS_DEPOSITED",
		Topic:       "wallet.events",
		Payload: map[string]interface{}{
			"walletId": "wallet-123",
			"amount":   "100.50",
		},
	}

	if err := repo.SaveEvent(ctx, tx, event); err != nil {
		t.Fatalf("Failed to save event: %v", err)
	}
	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Status != StatusPending {
		t.Errorf("Expected status pending, got %s", event.Status)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit transaction: %v", err)
	}
}

func TestGetPendingEvents(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tx, _ := database.BeginTx(ctx, nil)
		event := &OutboxEvent{
			AggregateID: "wallet-123",
			EventType:   "FUNDS_DEPOSITED",
			Topic:       "wallet.events",
			Payload:     map[string]interface{}{"amount": "50.00"},
		}
		repo.SaveEvent(ctx, tx, event)
		tx.Commit()
	}

	events, err := repo.GetPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to get pending events: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
	if len(events) >= 2 && events[0].CreatedAt.After(events[1].CreatedAt) {
		t.Error("Events should be ordered by created_at ASC")
	}
}

func TestMarkPublishedBatch(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	event := &OutboxEvent{
		AggregateID: "wallet-456",
		EventType:   "WALLET_CREATED",
		Topic:       "wallet.events",
		Payload:     map[string]interface{}{"walletId": "wallet-456"},
	}
	repo.SaveEvent(ctx, tx, event)
	tx.Commit()

	if err := repo.MarkPublishedBatch(ctx, []string{event.ID}); err != nil {
		t.Fatalf("Failed to mark published: %v", err)
	}

	events, _ := repo.GetPendingEvents(ctx, 10)
	for _, e := range events {
		if e.ID == event.ID {
			t.Error("Event should not be in pending list after marking as published")
		}
	}
}

func TestMarkAsFailed(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	event := &OutboxEvent{
		AggregateID: "wallet-789",
		EventType:   "FUNDS_WITHDRAWN",
		Topic:       "wallet.events",
		Payload:     map[string]interface{}{"amount": "100.00"},
	}
	repo.SaveEvent(ctx, tx, event)
	tx.Commit()

	if err := repo.MarkAsFailed(ctx, event.ID, "broker unavailable"); err != nil {
		t.Fatalf("Failed to mark as failed: %v", err)
	}

	events, _ := repo.GetPendingEvents(ctx, 10)
	for _, e := range events {
		if e.ID == event.ID {
			t.Error("Failed event should not be in pending list")
		}
	}
}

func TestIncrementAttemptAndMaxAttemptsExclusion(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	event := &OutboxEvent{
		AggregateID: "wallet-999",
		EventType:   "FUNDS_WITHDRAWN",
		Topic:       "wallet.events",
		Payload:     map[string]interface{}{"amount": "50.00"},
	}
	repo.SaveEvent(ctx, tx, event)
	tx.Commit()

	for i := 0; i < 3; i++ {
		if err := repo.IncrementAttempt(ctx, event.ID, "temporary failure"); err != nil {
			t.Fatalf("Failed to increment attempt: %v", err)
		}
	}

	events, _ := repo.GetPendingEvents(ctx, 10)
	found := false
	for _, e := range events {
		if e.ID == event.ID {
			found = true
			if e.Attempts != 3 {
				t.Errorf("Expected 3 attempts, got %d", e.Attempts)
			}
		}
	}
	if !found {
		t.Error("Event should still be in pending list")
	}

	for i := 0; i < 5; i++ {
		repo.IncrementAttempt(ctx, event.ID, "retry failed")
	}

	events, _ = repo.GetPendingEvents(ctx, 10)
	for _, e := range events {
		if e.ID == event.ID {
			t.Error("Event with max attempts should not be in pending list")
		}
	}
}
