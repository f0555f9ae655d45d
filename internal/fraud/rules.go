package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/config"
)

// Rule evaluates one incoming event and returns an Alert if it matches,
// or nil if it doesn't.
type Rule interface {
	Evaluate(ctx context.Context, event IncomingEvent) (*Alert, error)
}

// HighValueRule flags any funds-withdrawn event strictly above a fixed
// threshold.
type HighValueRule struct {
	Threshold decimal.Decimal
}

// NewHighValueRule parses cfg's configured threshold.
func NewHighValueRule(cfg config.FraudConfig) (*HighValueRule, error) {
	threshold, err := decimal.NewFromString(cfg.LargeTransferThreshold)
	if err != nil {
		return nil, fmt.Errorf("fraud: parse high-value threshold %q: %w", cfg.LargeTransferThreshold, err)
	}
	return &HighValueRule{Threshold: threshold}, nil
}

func (r *HighValueRule) Evaluate(ctx context.Context, event IncomingEvent) (*Alert, error) {
	if event.EventType != "FUNDS_WITHDRAWN" {
		return nil, nil
	}
	if event.Amount == "" {
		return nil, nil
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return nil, fmt.Errorf("fraud: parse event amount %q: %w", event.Amount, err)
	}
	if amount.LessThanOrEqual(r.Threshold) {
		return nil, nil
	}
	return &Alert{
		WalletID: event.WalletID,
		RuleName: RuleHighValueTransaction,
		Severity: SeverityHigh,
		Details: map[string]interface{}{
			"eventType": event.EventType,
			"amount":    event.Amount,
			"threshold": r.Threshold.String(),
		},
	}, nil
}

// RapidWithdrawalsRule flags a wallet that withdraws more than MaxCount
// times inside Window, using a Redis sorted-set sliding window.
type RapidWithdrawalsRule struct {
	Cache    *cache.Cache
	MaxCount int
	Window   time.Duration
}

// NewRapidWithdrawalsRule builds the rule from cfg.
func NewRapidWithdrawalsRule(c *cache.Cache, cfg config.FraudConfig) *RapidWithdrawalsRule {
	return &RapidWithdrawalsRule{Cache: c, MaxCount: cfg.RapidWithdrawalMax, Window: cfg.RapidWithdrawalWindow}
}

func (r *RapidWithdrawalsRule) Evaluate(ctx context.Context, event IncomingEvent) (*Alert, error) {
	if event.EventType != "FUNDS_WITHDRAWN" {
		return nil, nil
	}

	key := rapidWithdrawalKey(event.WalletID)
	count, err := r.Cache.RecordEvent(ctx, key, time.Now().UTC(), r.Window)
	if err != nil {
		return nil, err
	}
	if count <= int64(r.MaxCount) {
		return nil, nil
	}

	return &Alert{
		WalletID: event.WalletID,
		RuleName: RuleRapidWithdrawals,
		Severity: SeverityMedium,
		Details: map[string]interface{}{
			"windowWithdrawals": count,
			"maxAllowed":        r.MaxCount,
			"windowSeconds":     int(r.Window.Seconds()),
		},
	}, nil
}

func rapidWithdrawalKey(walletID string) string {
	return fmt.Sprintf("fraud:rapid_withdrawals:%s", walletID)
}
