package transfer

import (
	"context"
	"sync/atomic"
	"time"
)

const stuckSagaBatchSize = 10

// Recovery periodically resumes sagas left in DEBITED by a crash between
// the debit and credit legs — the narrow window a saga's persisted state
// exists to survive.
type Recovery struct {
	service        *Service
	repo           *Repository
	interval       time.Duration
	stuckThreshold time.Duration
	ticking        int32
}

// NewRecovery builds a Recovery loop.
func NewRecovery(service *Service, repo *Repository, interval, stuckThreshold time.Duration) *Recovery {
	return &Recovery{service: service, repo: repo, interval: interval, stuckThreshold: stuckThreshold}
}

// Start runs the recovery loop until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Recovery) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.ticking, 0)

	stuck, err := r.repo.ListStuck(ctx, r.stuckThreshold, stuckSagaBatchSize)
	if err != nil {
		r.service.log.Errorf("transfer: recovery list stuck sagas: %v", err)
		return
	}

	for i := range stuck {
		saga := stuck[i]
		if err := r.service.runCreditLeg(ctx, &saga); err != nil {
			r.service.log.Warnf("transfer: recovery could not complete saga %s, compensating: %v", saga.ID, err)
			if _, compErr := r.service.compensate(ctx, &saga, err, ""); compErr != nil {
				r.service.log.Errorf("transfer: recovery failed to compensate saga %s: %v", saga.ID, compErr)
			}
			continue
		}
		r.service.log.Infof("transfer: recovery completed stuck saga %s", saga.ID)
	}
}
