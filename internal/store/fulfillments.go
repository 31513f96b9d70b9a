package store

import (
	"context"

	"funnel-service/internal/models"
)

// CreateFulfillment appends a shipment record to a cart.
func (s *Store) CreateFulfillment(ctx context.Context, f *models.CartFulfillment) error {
	query := `
		INSERT INTO cart_fulfillments (
			id, cart_id, product_ids, carrier, service_level,
			tracking_number, tracking_url, label_url, label_cost, shipping_collected
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	return s.db.GetContext(ctx, &f.CreatedAt, query,
		f.ID, f.CartID, f.ProductIDs, f.Carrier, f.ServiceLevel,
		f.TrackingNumber, f.TrackingURL, f.LabelURL, f.LabelCost, f.ShippingCollected)
}

// GetFulfillmentsByCartID retrieves all fulfillments for a cart
func (s *Store) GetFulfillmentsByCartID(ctx context.Context, cartID string) ([]models.CartFulfillment, error) {
	var fulfillments []models.CartFulfillment
	err := s.db.SelectContext(ctx, &fulfillments,
		"SELECT * FROM cart_fulfillments WHERE cart_id = $1 ORDER BY created_at", cartID)
	return fulfillments, err
}

// FulfilledProductIDs returns the union of product ids shipped across a
// cart's fulfillments.
func FulfilledProductIDs(fulfillments []models.CartFulfillment) map[string]bool {
	fulfilled := make(map[string]bool)
	for _, f := range fulfillments {
		for _, id := range f.ProductIDs {
			fulfilled[id] = true
		}
	}
	return fulfilled
}

// IsFullyFulfilled derives full fulfillment by set-covering the
// purchased product ids against everything shipped so far.
func IsFullyFulfilled(purchased []string, fulfillments []models.CartFulfillment) bool {
	fulfilled := FulfilledProductIDs(fulfillments)
	for _, id := range purchased {
		if !fulfilled[id] {
			return false
		}
	}
	return len(purchased) > 0
}
