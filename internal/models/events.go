package models

import "time"

// Analytics event types. Every product surface funnels through the same
// recorder with one of these.
const (
	EventTypePageView       = "pageView"
	EventTypeLinkClick      = "linkClick"
	EventTypeBioView        = "bioView"
	EventTypeBioButtonClick = "bioButtonClick"
	EventTypeFmView         = "fmView"
	EventTypeFmLinkClick    = "fmLinkClick"
	EventTypeCartViewCheckout   = "cartViewCheckout"
	EventTypeCartPurchase       = "cartPurchase"
	EventTypeCartUpsellPurchase = "cartUpsellPurchase"
	EventTypeCartAbandoned      = "cartAbandoned"
)

// Asset types events can be recorded against.
const (
	AssetTypeLink           = "link"
	AssetTypeBio            = "bio"
	AssetTypeFm             = "fm"
	AssetTypeLandingPage    = "landingPage"
	AssetTypeCartFunnel     = "cartFunnel"
	AssetTypeBroadcast      = "emailBroadcast"
	AssetTypeAdTemplate     = "adTemplate"
	AssetTypeAutomationStep = "automationStep"
)

// VisitorContext is the per-request visitor/attribution snapshot. It is
// built once at the transport edge and threaded through as a value;
// business logic never reaches back into cookies or headers.
type VisitorContext struct {
	IP          string `json:"ip"`
	SessionID   string `json:"session_id"`
	UserAgent   string `json:"user_agent"`
	Referer     string `json:"referer"`
	LandingURL  string `json:"landing_url"`
	GeoCountry  string `json:"geo_country"`
	GeoRegion   string `json:"geo_region"`
	GeoCity     string `json:"geo_city"`
	FbClickID   string `json:"fb_click_id"`
	FbBrowserID string `json:"fb_browser_id"`
	IsBot       bool   `json:"is_bot"`
}

// Identity is the dedup key component: the session when one exists,
// otherwise the IP.
func (v *VisitorContext) Identity() string {
	if v.SessionID != "" {
		return v.SessionID
	}
	return v.IP
}

// CartEventPayload is the monetary snapshot attached to cart events at
// the moment they fire.
type CartEventPayload struct {
	CartID                 string `json:"cart_id"`
	OrderID                int64  `json:"order_id,omitempty"`
	CheckoutProductAmount  int64  `json:"checkout_product_amount"`
	CheckoutShippingAmount int64  `json:"checkout_shipping_amount"`
	CheckoutVatAmount      int64  `json:"checkout_vat_amount"`
	CheckoutAmount         int64  `json:"checkout_amount"`
	UpsellAmount           int64  `json:"upsell_amount,omitempty"`
	OrderAmount            int64  `json:"order_amount"`
}

// AnalyticsEvent is the write-once, append-only row shipped to the
// warehouse. Never persisted relationally.
type AnalyticsEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	WorkspaceID string    `json:"workspace_id"`
	AssetType   string    `json:"asset_type"`
	AssetID     string    `json:"asset_id"`
	SubEntityID string    `json:"sub_entity_id,omitempty"`
	SessionID   string    `json:"session_id"`
	EventType   string    `json:"event_type"`

	IP          string `json:"ip"`
	UserAgent   string `json:"user_agent"`
	Referer     string `json:"referer"`
	LandingURL  string `json:"landing_url"`
	GeoCountry  string `json:"geo_country"`
	GeoRegion   string `json:"geo_region"`
	GeoCity     string `json:"geo_city"`
	FbClickID   string `json:"fb_click_id,omitempty"`
	FbBrowserID string `json:"fb_browser_id,omitempty"`

	Cart *CartEventPayload `json:"cart,omitempty"`
}

// Task types carried on the funnel task topic.
const (
	TaskTypeUpsellAbandonCheck = "UPSELL_ABANDON_CHECK"
	TaskTypeSendReceipt        = "SEND_RECEIPT"
	TaskTypeSendShippingUpdate = "SEND_SHIPPING_UPDATE"
)

// TaskEnvelope is an out-of-band unit of work published to Kafka and
// consumed by the funnel workers. DueAt lets a consumer hold a task until
// its deadline.
type TaskEnvelope struct {
	TaskID        string    `json:"task_id"`
	TaskType      string    `json:"task_type"`
	CartID        string    `json:"cart_id"`
	FulfillmentID string    `json:"fulfillment_id,omitempty"`
	DueAt         time.Time `json:"due_at"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
