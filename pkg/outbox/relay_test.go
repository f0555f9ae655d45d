package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRoutingKeyFor(t *testing.T) {
	got := routingKeyFor("FUNDS_DEPOSITED")
	want := "wallet.funds_deposited"
	if got != want {
		t.Errorf("routingKeyFor() = %q, want %q", got, want)
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failNext  int
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, routingKey)
	return nil
}

func TestRelayTickPublishesPendingBatch(t *testing.T) {
	repo, database := setupTestDB(t)
	if repo == nil {
		return
	}
	defer cleanupTestDB(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	event := &OutboxEvent{
		AggregateID: "wallet-relay",
		EventType:   "WALLET_CREATED",
		Topic:       "wallet.events",
		Payload:     map[string]interface{}{"walletId": "wallet-relay"},
	}
	if err := repo.SaveEvent(ctx, tx, event); err != nil {
		t.Fatalf("save event: %v", err)
	}
	tx.Commit()

	log := testLogger()
	publisher := &fakePublisher{}
	relay := NewRelay(repo, publisher, log, 10, 0)
	relay.tick(ctx)

	pending, err := repo.GetPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	for _, e := range pending {
		if e.ID == event.ID {
			t.Error("event should have been published and removed from the pending set")
		}
	}
	if len(publisher.published) != 1 || publisher.published[0] != "wallet.wallet_created" {
		t.Errorf("unexpected publish calls: %v", publisher.published)
	}
}
