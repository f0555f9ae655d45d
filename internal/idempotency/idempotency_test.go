package idempotency

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=postgres password=postgres dbname=walletd_test sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("cannot open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("cannot connect to database: %v", err)
	}
	return db
}

type depositResponse struct {
	WalletID string `json:"walletId"`
	Balance  string `json:"balance"`
}

func TestStoreThenLookupReturnsSameResponse(t *testing.T) {
	db := testDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	requestID := "req-idem-test-1"
	db.Exec(`DELETE FROM idempotency_keys WHERE request_id = $1`, requestID)

	want := depositResponse{WalletID: "alice", Balance: "100.0000"}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := repo.Store(ctx, tx, requestID, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, found, err := repo.Lookup(ctx, requestID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found {
		t.Fatal("expected record to be found")
	}

	var got depositResponse
	if err := rec.Unmarshal(&got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestStoreConcurrentWinner(t *testing.T) {
	db := testDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	requestID := "req-idem-test-2"
	db.Exec(`DELETE FROM idempotency_keys WHERE request_id = $1`, requestID)

	tx1, _ := db.BeginTx(ctx, nil)
	if err := repo.Store(ctx, tx1, requestID, depositResponse{WalletID: "a"}); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()
	err := repo.Store(ctx, tx2, requestID, depositResponse{WalletID: "b"})
	if err != ErrConcurrentWinner {
		t.Errorf("expected ErrConcurrentWinner, got %v", err)
	}
}
