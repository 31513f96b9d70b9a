package store

import (
	"context"
	"database/sql"

	"funnel-service/internal/models"
)

// GetFanByEmail retrieves a fan by email. Fans are globally unique by
// email; a miss returns nil, not an error.
func (s *Store) GetFanByEmail(ctx context.Context, email string) (*models.Fan, error) {
	var fan models.Fan
	err := s.db.GetContext(ctx, &fan, "SELECT * FROM fans WHERE lower(email) = lower($1)", email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fan, nil
}

// GetFanByStripeCustomerID retrieves a fan by provider customer id.
func (s *Store) GetFanByStripeCustomerID(ctx context.Context, customerID string) (*models.Fan, error) {
	var fan models.Fan
	err := s.db.GetContext(ctx, &fan, "SELECT * FROM fans WHERE stripe_customer_id = $1", customerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fan, nil
}

// CreateFan creates a new fan
func (s *Store) CreateFan(ctx context.Context, fan *models.Fan) error {
	query := `
		INSERT INTO fans (id, email, full_name, stripe_customer_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	return s.db.GetContext(ctx, &fan.CreatedAt, query,
		fan.ID, fan.Email, fan.FullName, fan.StripeCustomerID)
}

// LinkFanToWorkspace records the fan<->workspace relation. Idempotent;
// a buyer can belong to many workspaces.
func (s *Store) LinkFanToWorkspace(ctx context.Context, fanID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fan_workspaces (fan_id, workspace_id) VALUES ($1, $2)
		ON CONFLICT (fan_id, workspace_id) DO NOTHING`,
		fanID, workspaceID)
	return err
}
