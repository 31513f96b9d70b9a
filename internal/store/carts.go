package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"funnel-service/internal/models"

	"github.com/lib/pq"
)

// CreateCart persists a new cart in checkoutCreated.
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (
			id, workspace_id, funnel_id, stage,
			visitor_ip, session_id, user_agent, referer, landing_url,
			geo_country, geo_region, geo_city, fb_click_id, fb_browser_id,
			email_broadcast_id, landing_page_id, ad_template_id, automation_step_id,
			main_product_id, main_product_price, main_quantity,
			added_bump, bump_product_id, bump_product_price, upsell_product_id,
			checkout_product_amount, checkout_shipping_amount, checkout_vat_amount, checkout_amount,
			ship_to_name, ship_to_street1, ship_to_city, ship_to_state, ship_to_zip, ship_to_country,
			shipping_cached_zip, shipping_estimate_failed,
			payment_intent_id, email
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28, $29,
			$30, $31, $32, $33, $34, $35,
			$36, $37,
			$38, $39
		)
		RETURNING created_at, updated_at`

	return s.db.GetContext(ctx, cart, query,
		cart.ID, cart.WorkspaceID, cart.FunnelID, cart.Stage,
		cart.VisitorIP, cart.SessionID, cart.UserAgent, cart.Referer, cart.LandingURL,
		cart.GeoCountry, cart.GeoRegion, cart.GeoCity, cart.FbClickID, cart.FbBrowserID,
		cart.EmailBroadcastID, cart.LandingPageID, cart.AdTemplateID, cart.AutomationStepID,
		cart.MainProductID, cart.MainProductPrice, cart.MainQuantity,
		cart.AddedBump, cart.BumpProductID, cart.BumpProductPrice, cart.UpsellProductID,
		cart.CheckoutProductAmount, cart.CheckoutShippingAmount, cart.CheckoutVatAmount, cart.CheckoutAmount,
		cart.ShipToName, cart.ShipToStreet1, cart.ShipToCity, cart.ShipToState, cart.ShipToZip, cart.ShipToCountry,
		cart.ShippingCachedZip, cart.ShippingEstimateFailed,
		cart.PaymentIntentID, cart.Email)
}

// GetCartByID retrieves a cart by ID
func (s *Store) GetCartByID(ctx context.Context, id string) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cart not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// CheckoutPatch carries the recomputed checkout fields for a
// client-submitted edit.
type CheckoutPatch struct {
	AddedBump              bool
	BumpProductPrice       int64
	MainProductPrice       int64
	MainQuantity           int
	CheckoutProductAmount  int64
	CheckoutShippingAmount int64
	CheckoutVatAmount      int64
	CheckoutAmount         int64
	ShipToName             string
	ShipToStreet1          string
	ShipToCity             string
	ShipToState            string
	ShipToZip              string
	ShipToCountry          string
	ShippingCachedZip      string
	ShippingEstimateFailed bool
	Email                  *string
}

// ApplyCheckoutPatch writes a client edit, conditional on the cart not
// having converted. The same statement that would advance the stage
// excludes converted rows, so an edit can never land after capture.
// Returns false when the cart was already past editing.
func (s *Store) ApplyCheckoutPatch(ctx context.Context, cartID string, p *CheckoutPatch) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET
			added_bump = $2,
			bump_product_price = $3,
			main_product_price = $4,
			main_quantity = $5,
			checkout_product_amount = $6,
			checkout_shipping_amount = $7,
			checkout_vat_amount = $8,
			checkout_amount = $9,
			ship_to_name = $10,
			ship_to_street1 = $11,
			ship_to_city = $12,
			ship_to_state = $13,
			ship_to_zip = $14,
			ship_to_country = $15,
			shipping_cached_zip = $16,
			shipping_estimate_failed = $17,
			email = COALESCE($18, email),
			updated_at = NOW()
		WHERE id = $1 AND stage = ANY($19)`,
		cartID,
		p.AddedBump, p.BumpProductPrice, p.MainProductPrice, p.MainQuantity,
		p.CheckoutProductAmount, p.CheckoutShippingAmount, p.CheckoutVatAmount, p.CheckoutAmount,
		p.ShipToName, p.ShipToStreet1, p.ShipToCity, p.ShipToState, p.ShipToZip, p.ShipToCountry,
		p.ShippingCachedZip, p.ShippingEstimateFailed, p.Email,
		pq.Array(models.PreConversionStages))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ConversionParams is everything set in one statement when the main
// charge is reconciled.
type ConversionParams struct {
	Stage            string
	FanID            string
	OrderID          int64
	Email            string
	ChargeID         string
	PaymentMethodID  string
	StripeCustomerID string
	// Receipt goes out immediately only for no-upsell funnels.
	ReceiptSent bool
}

// AdvanceToConverted moves a cart out of the checkout stages, seeds the
// aggregate order totals from the checkout amounts and attaches the fan
// and order number. Conditional on a pre-conversion stage, so a
// re-delivered webhook no-ops. The email set at checkout wins over the
// charge's billing email; an empty billing email never erases it.
func (s *Store) AdvanceToConverted(ctx context.Context, cartID string, p *ConversionParams) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET
			stage = $2,
			fan_id = $3,
			order_id = $4,
			email = COALESCE(NULLIF($5, ''), email),
			charge_id = $6,
			payment_method_id = $7,
			stripe_customer_id = $8,
			receipt_sent = $9,
			order_product_amount = checkout_product_amount,
			order_shipping_amount = checkout_shipping_amount,
			order_vat_amount = checkout_vat_amount,
			order_amount = checkout_amount,
			upsell_created_at = CASE WHEN $2 = 'upsellCreated' THEN NOW() ELSE upsell_created_at END,
			updated_at = NOW()
		WHERE id = $1 AND stage = ANY($10)`,
		cartID, p.Stage, p.FanID, p.OrderID, p.Email,
		p.ChargeID, p.PaymentMethodID, p.StripeCustomerID, p.ReceiptSent,
		pq.Array(models.PreConversionStages))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimReceipt flips the receipt flag as a compare-and-swap while the
// upsell is still open. The winner of this statement is the only path
// allowed to resolve the upsell and send the one receipt.
func (s *Store) ClaimReceipt(ctx context.Context, cartID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET receipt_sent = true, updated_at = NOW()
		WHERE id = $1 AND stage = $2 AND receipt_sent = false`,
		cartID, models.CartStageUpsellCreated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseReceiptClaim hands the claim back after a failed upsell charge
// so the abandonment path can still send the pending receipt.
func (s *Store) ReleaseReceiptClaim(ctx context.Context, cartID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE carts SET receipt_sent = false, updated_at = NOW()
		WHERE id = $1 AND stage = $2`,
		cartID, models.CartStageUpsellCreated)
	return err
}

// UpsellConversionParams carries the upsell-only deltas. Order totals
// grow by addition so a partial upsell failure leaves the main order
// untouched.
type UpsellConversionParams struct {
	PaymentIntentID string
	ChargeID        string
	ApparelSize     *string
	ProductAmount   int64
	ShippingAmount  int64
	VatAmount       int64
	Amount          int64
}

// MarkUpsellConverted records the confirmed upsell charge and adds its
// amounts onto the aggregate totals.
func (s *Store) MarkUpsellConverted(ctx context.Context, cartID string, p *UpsellConversionParams) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET
			stage = $2,
			upsell_payment_intent_id = $3,
			upsell_charge_id = $4,
			upsell_apparel_size = $5,
			upsell_product_amount = $6,
			upsell_shipping_amount = $7,
			upsell_vat_amount = $8,
			upsell_amount = $9,
			order_product_amount = order_product_amount + $6,
			order_shipping_amount = order_shipping_amount + $7,
			order_vat_amount = order_vat_amount + $8,
			order_amount = order_amount + $9,
			updated_at = NOW()
		WHERE id = $1 AND stage = $10`,
		cartID, models.CartStageUpsellConverted,
		p.PaymentIntentID, p.ChargeID, p.ApparelSize,
		p.ProductAmount, p.ShippingAmount, p.VatAmount, p.Amount,
		models.CartStageUpsellCreated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkUpsellDeclined resolves the upsell as declined and takes the
// receipt in the same compare-and-swap.
func (s *Store) MarkUpsellDeclined(ctx context.Context, cartID string) (bool, error) {
	return s.resolveUpsell(ctx, cartID, models.CartStageUpsellDeclined)
}

// MarkUpsellAbandoned resolves the upsell as abandoned. The delayed task
// and the periodic sweep both run this; the row count picks one winner.
func (s *Store) MarkUpsellAbandoned(ctx context.Context, cartID string) (bool, error) {
	return s.resolveUpsell(ctx, cartID, models.CartStageUpsellAbandoned)
}

func (s *Store) resolveUpsell(ctx context.Context, cartID, stage string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carts SET stage = $2, receipt_sent = true, updated_at = NOW()
		WHERE id = $1 AND stage = $3 AND receipt_sent = false`,
		cartID, stage, models.CartStageUpsellCreated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountWorkspaceOrders counts completed orders for a workspace. Order
// numbers are derived from this at the moment of first need.
func (s *Store) CountWorkspaceOrders(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM carts WHERE workspace_id = $1 AND order_id IS NOT NULL", workspaceID)
	return count, err
}

// ListStaleUpsellCarts finds carts the delayed abandonment task missed.
func (s *Store) ListStaleUpsellCarts(ctx context.Context, cutoff time.Time) ([]models.Cart, error) {
	var carts []models.Cart
	err := s.db.SelectContext(ctx, &carts, `
		SELECT * FROM carts
		WHERE stage = $1 AND receipt_sent = false AND upsell_created_at < $2
		ORDER BY upsell_created_at`,
		models.CartStageUpsellCreated, cutoff)
	return carts, err
}

// FlagAbandonedCheckouts flips stale checkoutCreated carts onto the
// abandoned side branch and returns them so events can be recorded.
// Abandonment never blocks a later conversion.
func (s *Store) FlagAbandonedCheckouts(ctx context.Context, cutoff time.Time) ([]models.Cart, error) {
	var carts []models.Cart
	err := s.db.SelectContext(ctx, &carts, `
		UPDATE carts SET stage = $1, updated_at = NOW()
		WHERE stage = $2 AND created_at < $3
		RETURNING *`,
		models.CartStageCheckoutAbandoned, models.CartStageCheckoutCreated, cutoff)
	return carts, err
}

// MarkRefunded records the refund outcome and cancels the cart.
func (s *Store) MarkRefunded(ctx context.Context, cartID string, refundedAmount int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE carts SET canceled = true, refunded = true, refunded_amount = refunded_amount + $2, updated_at = NOW()
		WHERE id = $1`,
		cartID, refundedAmount)
	return err
}
