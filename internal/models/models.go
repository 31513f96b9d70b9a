package models

import (
	"time"

	"github.com/lib/pq"
)

// Workspace is a tenant. Stripe connected accounts are kept per
// environment; a sandbox account must never be charged in production.
type Workspace struct {
	ID                  string  `db:"id" json:"id"`
	Handle              string  `db:"handle" json:"handle"`
	Name                string  `db:"name" json:"name"`
	StripeAccountID     *string `db:"stripe_account_id" json:"-"`
	StripeTestAccountID *string `db:"stripe_test_account_id" json:"-"`
	FeePercentage       float64 `db:"fee_percentage" json:"-"`
	PlanEventLimit      int64   `db:"plan_event_limit" json:"-"`
	EventLimitOverride  *int64  `db:"event_limit_override" json:"-"`
	SupportEmail        string  `db:"support_email" json:"support_email"`

	ShipFromName    string `db:"ship_from_name" json:"-"`
	ShipFromStreet1 string `db:"ship_from_street1" json:"-"`
	ShipFromCity    string `db:"ship_from_city" json:"-"`
	ShipFromState   string `db:"ship_from_state" json:"-"`
	ShipFromZip     string `db:"ship_from_zip" json:"-"`
	ShipFromCountry string `db:"ship_from_country" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EventLimit returns the workspace's effective monthly event budget.
func (w *Workspace) EventLimit(planDefault int64) int64 {
	if w.EventLimitOverride != nil {
		return *w.EventLimitOverride
	}
	if w.PlanEventLimit > 0 {
		return w.PlanEventLimit
	}
	return planDefault
}

// Product is a sellable item referenced by funnels.
type Product struct {
	ID               string    `db:"id" json:"id"`
	WorkspaceID      string    `db:"workspace_id" json:"workspace_id"`
	Name             string    `db:"name" json:"name"`
	Price            int64     `db:"price" json:"price"`
	WeightGrams      int64     `db:"weight_grams" json:"weight_grams"`
	RequiresShipping bool      `db:"requires_shipping" json:"requires_shipping"`
	IsApparel        bool      `db:"is_apparel" json:"is_apparel"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// CartFunnel is a seller-configured sales page: a main product, an
// optional bump shown at checkout and an optional post-purchase upsell.
// Read-mostly; immutable during a cart's lifetime except by seller edit.
type CartFunnel struct {
	ID          string `db:"id" json:"id"`
	WorkspaceID string `db:"workspace_id" json:"workspace_id"`
	Handle      string `db:"handle" json:"handle"`
	Key         string `db:"key" json:"key"`
	Name        string `db:"name" json:"name"`

	MainProductID      string `db:"main_product_id" json:"main_product_id"`
	MainProductPrice   int64  `db:"main_product_price" json:"main_product_price"`
	MainPayWhatYouWant bool   `db:"main_pay_what_you_want" json:"main_pay_what_you_want"`
	MainPWYWMin        int64  `db:"main_pwyw_min" json:"main_pwyw_min"`

	BumpProductID    *string `db:"bump_product_id" json:"bump_product_id,omitempty"`
	BumpProductPrice int64   `db:"bump_product_price" json:"bump_product_price"`

	UpsellProductID    *string `db:"upsell_product_id" json:"upsell_product_id,omitempty"`
	UpsellProductPrice int64   `db:"upsell_product_price" json:"upsell_product_price"`

	FeePercentageOverride *float64 `db:"fee_percentage_override" json:"-"`

	ConversionCount int64 `db:"conversion_count" json:"conversion_count"`
	ConversionValue int64 `db:"conversion_value" json:"conversion_value"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasUpsell reports whether the funnel offers a post-purchase upsell.
func (f *CartFunnel) HasUpsell() bool {
	return f.UpsellProductID != nil && *f.UpsellProductID != ""
}

// Cart stages. A cart only moves forward through these; checkoutAbandoned
// is a side branch a cart can still convert out of.
const (
	CartStageCheckoutCreated   = "checkoutCreated"
	CartStageCheckoutAbandoned = "checkoutAbandoned"
	CartStageCheckoutConverted = "checkoutConverted"
	CartStageUpsellCreated     = "upsellCreated"
	CartStageUpsellConverted   = "upsellConverted"
	CartStageUpsellDeclined    = "upsellDeclined"
	CartStageUpsellAbandoned   = "upsellAbandoned"
)

// PreConversionStages are the stages a client-submitted checkout edit may
// still land in.
var PreConversionStages = []string{CartStageCheckoutCreated, CartStageCheckoutAbandoned}

// Cart is one checkout attempt through a funnel. Its id doubles as the
// Stripe idempotency key for the main payment intent.
type Cart struct {
	ID          string `db:"id" json:"id"`
	WorkspaceID string `db:"workspace_id" json:"workspace_id"`
	FunnelID    string `db:"funnel_id" json:"funnel_id"`
	Stage       string `db:"stage" json:"stage"`

	// Visitor/attribution snapshot, first-touch wins.
	VisitorIP        string  `db:"visitor_ip" json:"-"`
	SessionID        string  `db:"session_id" json:"-"`
	UserAgent        string  `db:"user_agent" json:"-"`
	Referer          string  `db:"referer" json:"-"`
	LandingURL       string  `db:"landing_url" json:"-"`
	GeoCountry       string  `db:"geo_country" json:"-"`
	GeoRegion        string  `db:"geo_region" json:"-"`
	GeoCity          string  `db:"geo_city" json:"-"`
	FbClickID        string  `db:"fb_click_id" json:"-"`
	FbBrowserID      string  `db:"fb_browser_id" json:"-"`
	EmailBroadcastID *string `db:"email_broadcast_id" json:"-"`
	LandingPageID    *string `db:"landing_page_id" json:"-"`
	AdTemplateID     *string `db:"ad_template_id" json:"-"`
	AutomationStepID *string `db:"automation_step_id" json:"-"`

	// Selected products with locked-in prices.
	MainProductID     string  `db:"main_product_id" json:"main_product_id"`
	MainProductPrice  int64   `db:"main_product_price" json:"main_product_price"`
	MainQuantity      int     `db:"main_quantity" json:"main_quantity"`
	AddedBump         bool    `db:"added_bump" json:"added_bump"`
	BumpProductID     *string `db:"bump_product_id" json:"bump_product_id,omitempty"`
	BumpProductPrice  int64   `db:"bump_product_price" json:"bump_product_price"`
	UpsellProductID   *string `db:"upsell_product_id" json:"upsell_product_id,omitempty"`
	UpsellApparelSize *string `db:"upsell_apparel_size" json:"upsell_apparel_size,omitempty"`

	// Checkout (main + bump) amounts. checkout_amount is always the sum
	// of the other three.
	CheckoutProductAmount  int64 `db:"checkout_product_amount" json:"checkout_product_amount"`
	CheckoutShippingAmount int64 `db:"checkout_shipping_amount" json:"checkout_shipping_amount"`
	CheckoutVatAmount      int64 `db:"checkout_vat_amount" json:"checkout_vat_amount"`
	CheckoutAmount         int64 `db:"checkout_amount" json:"checkout_amount"`

	// Upsell amounts, set only when the upsell converts.
	UpsellProductAmount  int64 `db:"upsell_product_amount" json:"upsell_product_amount"`
	UpsellShippingAmount int64 `db:"upsell_shipping_amount" json:"upsell_shipping_amount"`
	UpsellVatAmount      int64 `db:"upsell_vat_amount" json:"upsell_vat_amount"`
	UpsellAmount         int64 `db:"upsell_amount" json:"upsell_amount"`

	// Aggregate order totals, only ever grown by addition.
	OrderProductAmount  int64 `db:"order_product_amount" json:"order_product_amount"`
	OrderShippingAmount int64 `db:"order_shipping_amount" json:"order_shipping_amount"`
	OrderVatAmount      int64 `db:"order_vat_amount" json:"order_vat_amount"`
	OrderAmount         int64 `db:"order_amount" json:"order_amount"`

	// Ship-to; shipping_cached_zip is the postal code the current
	// shipping estimate was computed for.
	ShipToName        string `db:"ship_to_name" json:"-"`
	ShipToStreet1     string `db:"ship_to_street1" json:"-"`
	ShipToCity        string `db:"ship_to_city" json:"-"`
	ShipToState       string `db:"ship_to_state" json:"-"`
	ShipToZip         string `db:"ship_to_zip" json:"-"`
	ShipToCountry     string `db:"ship_to_country" json:"-"`
	ShippingCachedZip string `db:"shipping_cached_zip" json:"-"`
	// Set when a rate lookup failed and the cart proceeded with zero
	// shipping; surfaced to the seller for manual reconciliation.
	ShippingEstimateFailed bool `db:"shipping_estimate_failed" json:"-"`

	// Payment provider references.
	PaymentIntentID       string  `db:"payment_intent_id" json:"-"`
	ChargeID              string  `db:"charge_id" json:"-"`
	PaymentMethodID       string  `db:"payment_method_id" json:"-"`
	StripeCustomerID      string  `db:"stripe_customer_id" json:"-"`
	UpsellPaymentIntentID string  `db:"upsell_payment_intent_id" json:"-"`
	UpsellChargeID        string  `db:"upsell_charge_id" json:"-"`
	Email                 *string `db:"email" json:"email,omitempty"`

	FanID   *string `db:"fan_id" json:"fan_id,omitempty"`
	OrderID *int64  `db:"order_id" json:"order_id,omitempty"`

	ReceiptSent    bool  `db:"receipt_sent" json:"-"`
	Canceled       bool  `db:"canceled" json:"canceled"`
	Refunded       bool  `db:"refunded" json:"refunded"`
	RefundedAmount int64 `db:"refunded_amount" json:"-"`

	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	UpsellCreatedAt *time.Time `db:"upsell_created_at" json:"-"`
}

// Converted reports whether the main charge has been captured.
func (c *Cart) Converted() bool {
	switch c.Stage {
	case CartStageCheckoutCreated, CartStageCheckoutAbandoned:
		return false
	}
	return true
}

// PurchasedProductIDs lists every product id the buyer paid for.
func (c *Cart) PurchasedProductIDs() []string {
	ids := []string{c.MainProductID}
	if c.AddedBump && c.BumpProductID != nil {
		ids = append(ids, *c.BumpProductID)
	}
	if c.Stage == CartStageUpsellConverted && c.UpsellProductID != nil {
		ids = append(ids, *c.UpsellProductID)
	}
	return ids
}

// Fan is a buyer identity, globally unique by email and shared across
// workspaces. Created or matched when a charge succeeds, never earlier.
type Fan struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	FullName         string    `db:"full_name" json:"full_name"`
	StripeCustomerID *string   `db:"stripe_customer_id" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// CartFulfillment is an append-only shipment record. A cart is "fully
// fulfilled" when the union of fulfilled product ids covers everything
// purchased, never via a single flag.
type CartFulfillment struct {
	ID             string         `db:"id" json:"id"`
	CartID         string         `db:"cart_id" json:"cart_id"`
	ProductIDs     pq.StringArray `db:"product_ids" json:"product_ids"`
	Carrier        string         `db:"carrier" json:"carrier"`
	ServiceLevel   string         `db:"service_level" json:"service_level"`
	TrackingNumber string         `db:"tracking_number" json:"tracking_number"`
	TrackingURL    string         `db:"tracking_url" json:"tracking_url"`
	LabelURL       string         `db:"label_url" json:"label_url"`
	// Actual label cost vs shipping collected from the buyer, for margin
	// monitoring.
	LabelCost         int64     `db:"label_cost" json:"label_cost"`
	ShippingCollected int64     `db:"shipping_collected" json:"shipping_collected"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// CostDelta is positive when the label cost more than the buyer paid.
func (f *CartFulfillment) CostDelta() int64 {
	return f.LabelCost - f.ShippingCollected
}

// AnalyticsEndpoint is a per-workspace, per-platform ad credential.
type AnalyticsEndpoint struct {
	ID          string    `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	Platform    string    `db:"platform" json:"platform"`
	PixelID     string    `db:"pixel_id" json:"-"`
	AccessToken string    `db:"access_token" json:"-"`
	Enabled     bool      `db:"enabled" json:"enabled"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Ad platforms
const (
	AdPlatformMeta = "meta"
)

// ProcessedEvent dedups re-delivered provider webhooks.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
