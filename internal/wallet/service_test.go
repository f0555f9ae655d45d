package wallet

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/db"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/coordinator"
	"github.com/kmassidik/walletd/internal/idempotency"
	"github.com/kmassidik/walletd/internal/journal"
	"github.com/kmassidik/walletd/internal/walleterr"
	"github.com/kmassidik/walletd/pkg/outbox"
)

func TestApplyWithdrawalDebitsBalanceAndTracksDailyTotal(t *testing.T) {
	w := NewWallet("wallet-1", "USD")
	w.Balance = decimal.NewFromInt(100)

	if err := ApplyWithdrawal(&w, decimal.NewFromInt(40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected balance 60, got %s", w.Balance)
	}
	if !w.DailyWithdrawalTotal.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected daily total 40, got %s", w.DailyWithdrawalTotal)
	}
}

func TestApplyWithdrawalRejectsInsufficientFunds(t *testing.T) {
	w := NewWallet("wallet-1", "USD")
	w.Balance = decimal.NewFromInt(10)

	err := ApplyWithdrawal(&w, decimal.NewFromInt(20))
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	if walleterr.KindOf(err) != walleterr.KindBusiness {
		t.Errorf("expected KindBusiness, got %v", walleterr.KindOf(err))
	}
}

func TestApplyWithdrawalRejectsOverDailyLimit(t *testing.T) {
	w := NewWallet("wallet-1", "USD")
	w.Balance = decimal.NewFromInt(1000)
	w.DailyWithdrawalLimit = decimal.NullDecimal{Decimal: decimal.NewFromInt(50), Valid: true}

	err := ApplyWithdrawal(&w, decimal.NewFromInt(60))
	if err == nil {
		t.Fatal("expected daily withdrawal limit error")
	}
}

func TestApplyWithdrawalResetsDailyTotalOnNewDay(t *testing.T) {
	w := NewWallet("wallet-1", "USD")
	w.Balance = decimal.NewFromInt(1000)
	w.DailyWithdrawalLimit = decimal.NullDecimal{Decimal: decimal.NewFromInt(50), Valid: true}
	w.DailyWithdrawalTotal = decimal.NewFromInt(40)
	w.LastWithdrawalDate = sql.NullTime{Time: time.Now().UTC().AddDate(0, 0, -1), Valid: true}

	if err := ApplyWithdrawal(&w, decimal.NewFromInt(30)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.DailyWithdrawalTotal.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected daily total reset to 30, got %s", w.DailyWithdrawalTotal)
	}
}

func TestCreditAddsToBalance(t *testing.T) {
	w := NewWallet("wallet-1", "USD")
	w.Balance = decimal.NewFromInt(10)

	Credit(&w, decimal.NewFromInt(5))
	if !w.Balance.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected balance 15, got %s", w.Balance)
	}
}

// testService wires a real Service against a local Postgres/Redis, skipping
// the test when either is unreachable, matching the connect-or-skip
// integration pattern used across this repository's repository tests.
func testService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	log := logger.New("wallet-test")
	dbCfg := config.DatabaseConfig{
		Host: "localhost", Port: "5432", User: "postgres", Password: "postgres",
		DBName: "walletd_test", SSLMode: "disable",
	}
	database, err := db.Connect(dbCfg, log)
	if err != nil {
		t.Skipf("cannot connect to database: %v", err)
	}

	redisCache, err := cache.Connect(context.Background(), config.RedisConfig{Addr: "localhost:6379"}, log)
	if err != nil {
		t.Skip("cannot connect to redis")
	}

	outboxRepo := outbox.NewRepository(database.DB, log)
	coord := coordinator.New(database, outboxRepo, noopPublisher{}, nil, log, time.Minute)

	repo := NewRepository(log)
	journalRepo := journal.NewRepository(database.DB)
	idemRepo := idempotency.NewRepository(database.DB)

	return NewService(repo, journalRepo, idemRepo, redisCache, coord, log), database.DB
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	return nil
}

func TestDepositAutoProvisionsWallet(t *testing.T) {
	svc, sqlDB := testService(t)
	defer sqlDB.Close()

	ctx := context.Background()
	resp, err := svc.Deposit(ctx, "wallet-deposit-test", decimal.NewFromInt(50), "")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !resp.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected balance 50, got %s", resp.Balance)
	}
}

func TestDepositIsIdempotentOnRequestID(t *testing.T) {
	svc, sqlDB := testService(t)
	defer sqlDB.Close()

	ctx := context.Background()
	requestID := "idem-deposit-1"

	first, err := svc.Deposit(ctx, "wallet-idem-test", decimal.NewFromInt(20), requestID)
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	second, err := svc.Deposit(ctx, "wallet-idem-test", decimal.NewFromInt(20), requestID)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if !first.Balance.Equal(second.Balance) {
		t.Errorf("expected replayed response to match, got %s vs %s", first.Balance, second.Balance)
	}
}

func TestWithdrawRejectsFrozenWallet(t *testing.T) {
	svc, sqlDB := testService(t)
	defer sqlDB.Close()

	ctx := context.Background()
	walletID := "wallet-frozen-test"
	if _, err := svc.Deposit(ctx, walletID, decimal.NewFromInt(100), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Freeze(ctx, walletID, ""); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, err := svc.Withdraw(ctx, walletID, decimal.NewFromInt(10), "")
	if err == nil {
		t.Fatal("expected withdraw on frozen wallet to fail")
	}
	if walleterr.KindOf(err) != walleterr.KindBusiness {
		t.Errorf("expected KindBusiness, got %v", walleterr.KindOf(err))
	}
}

func TestCloseRejectsNonZeroBalance(t *testing.T) {
	svc, sqlDB := testService(t)
	defer sqlDB.Close()

	ctx := context.Background()
	walletID := "wallet-close-test"
	if _, err := svc.Deposit(ctx, walletID, decimal.NewFromInt(10), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := svc.Close(ctx, walletID, "")
	if err == nil {
		t.Fatal("expected close with nonzero balance to fail")
	}
}
