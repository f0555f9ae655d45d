package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repository is the insert-only data access layer for fraud_alerts.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save persists an alert, assigning its ID and CreatedAt.
func (r *Repository) Save(ctx context.Context, alert *Alert) error {
	detailsJSON, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("fraud: marshal alert details: %w", err)
	}

	alert.ID = uuid.NewString()
	query := `
		INSERT INTO fraud_alerts (id, wallet_id, rule_name, severity, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err = r.db.QueryRowContext(ctx, query, alert.ID, alert.WalletID, alert.RuleName, alert.Severity, detailsJSON).
		Scan(&alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("fraud: save alert for wallet %s: %w", alert.WalletID, err)
	}
	return nil
}
