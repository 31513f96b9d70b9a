package service

import (
	"context"
	"fmt"
	"time"

	"funnel-service/internal/mailer"
	"funnel-service/internal/models"
	"funnel-service/internal/store"
	"funnel-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cartStore is the slice of the store the funnel engine drives. All
// coordination happens through these rows; there is no in-process
// shared cart state.
type cartStore interface {
	GetFunnelByID(ctx context.Context, id string) (*models.CartFunnel, error)
	GetFunnelByHandleAndKey(ctx context.Context, handle, key string) (*models.CartFunnel, error)
	GetWorkspaceByID(ctx context.Context, id string) (*models.Workspace, error)
	GetProductByID(ctx context.Context, id string) (*models.Product, error)

	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCartByID(ctx context.Context, id string) (*models.Cart, error)
	ApplyCheckoutPatch(ctx context.Context, cartID string, p *store.CheckoutPatch) (bool, error)
	AdvanceToConverted(ctx context.Context, cartID string, p *store.ConversionParams) (bool, error)
	ClaimReceipt(ctx context.Context, cartID string) (bool, error)
	ReleaseReceiptClaim(ctx context.Context, cartID string) error
	MarkUpsellConverted(ctx context.Context, cartID string, p *store.UpsellConversionParams) (bool, error)
	MarkUpsellDeclined(ctx context.Context, cartID string) (bool, error)
	MarkUpsellAbandoned(ctx context.Context, cartID string) (bool, error)
	CountWorkspaceOrders(ctx context.Context, workspaceID string) (int64, error)
	ListStaleUpsellCarts(ctx context.Context, cutoff time.Time) ([]models.Cart, error)
	FlagAbandonedCheckouts(ctx context.Context, cutoff time.Time) ([]models.Cart, error)
	MarkRefunded(ctx context.Context, cartID string, refundedAmount int64) error

	GetFanByEmail(ctx context.Context, email string) (*models.Fan, error)
	GetFanByStripeCustomerID(ctx context.Context, customerID string) (*models.Fan, error)
	CreateFan(ctx context.Context, fan *models.Fan) error
	LinkFanToWorkspace(ctx context.Context, fanID, workspaceID string) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	CreateFulfillment(ctx context.Context, f *models.CartFulfillment) error
	GetFulfillmentsByCartID(ctx context.Context, cartID string) ([]models.CartFulfillment, error)

	AddAssetValue(ctx context.Context, assetType, assetID string, delta int64) error
}

// paymentProvider is the payment orchestrator surface the funnel uses.
type paymentProvider interface {
	ConnectedAccount(ws *models.Workspace) (string, error)
	CreateIntent(ctx context.Context, p *IntentParams) (*Intent, error)
	ResizeIntent(ctx context.Context, accountID, intentID string, amount, applicationFee int64) error
	ConfirmOffSession(ctx context.Context, p *OffSessionParams) (*ChargeResult, error)
	Refund(ctx context.Context, accountID, chargeID, reason string) error
}

// rateEstimator quotes and buys shipping.
type rateEstimator interface {
	EstimateCheapest(ctx context.Context, from, to Address, weightGrams int64) (*Rate, error)
	PurchaseLabel(ctx context.Context, rateID string) (*Label, error)
}

// eventRecorder is the shared analytics entry point.
type eventRecorder interface {
	RecordEvent(ctx context.Context, in *RecordEventInput) (Outcome, error)
}

// taskPublisher hands out-of-band work to the queue.
type taskPublisher interface {
	PublishTask(ctx context.Context, task *models.TaskEnvelope) error
}

// CartService owns the cart funnel lifecycle.
type CartService struct {
	store    cartStore
	payments paymentProvider
	shipping rateEstimator
	recorder eventRecorder
	tasks    taskPublisher
	mail     mailer.Sender

	feePercentage  float64
	upsellTimeout  time.Duration
	checkoutExpiry time.Duration
	fanWaitTimeout time.Duration
	// Poll cadence for the webhook race; overridden in tests.
	fanPollInterval time.Duration

	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(
	st cartStore,
	payments paymentProvider,
	shipping rateEstimator,
	recorder eventRecorder,
	tasks taskPublisher,
	mail mailer.Sender,
	feePercentage float64,
	upsellTimeout, checkoutExpiry, fanWaitTimeout time.Duration,
) *CartService {
	return &CartService{
		store:           st,
		payments:        payments,
		shipping:        shipping,
		recorder:        recorder,
		tasks:           tasks,
		mail:            mail,
		feePercentage:   feePercentage,
		upsellTimeout:   upsellTimeout,
		checkoutExpiry:  checkoutExpiry,
		fanWaitTimeout:  fanWaitTimeout,
		fanPollInterval: time.Second,
		logger:          util.GetLogger(),
	}
}

// ShipToInput is the buyer's shipping destination.
type ShipToInput struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// CreateCartRequest opens a checkout attempt against a funnel.
type CreateCartRequest struct {
	FunnelID string `json:"funnel_id"`
	Handle   string `json:"handle"`
	Key      string `json:"key"`

	Quantity   int    `json:"quantity"`
	PWYWAmount int64  `json:"pwyw_amount"`
	AddBump    bool   `json:"add_bump"`
	Email      *string `json:"email,omitempty"`

	ShipTo *ShipToInput `json:"ship_to,omitempty"`

	Visitor          models.VisitorContext `json:"-"`
	EmailBroadcastID *string               `json:"email_broadcast_id,omitempty"`
	LandingPageID    *string               `json:"landing_page_id,omitempty"`
	AdTemplateID     *string               `json:"ad_template_id,omitempty"`
	AutomationStepID *string               `json:"automation_step_id,omitempty"`
}

// CreateCartResponse is what the checkout UI needs to collect payment.
type CreateCartResponse struct {
	CartID          string `json:"cart_id"`
	Stage           string `json:"stage"`
	ClientSecret    string `json:"client_secret"`
	CheckoutAmount  int64  `json:"checkout_amount"`
	ProductAmount   int64  `json:"product_amount"`
	ShippingAmount  int64  `json:"shipping_amount"`
	VatAmount       int64  `json:"vat_amount"`
}

// checkoutAmounts is the recomputed breakdown for a cart's current
// selections. checkout = product + shipping + vat always.
type checkoutAmounts struct {
	ProductAmount  int64
	ShippingAmount int64
	VatAmount      int64
	CheckoutAmount int64
	ShippingFailed bool
	CachedZip      string
}

func (cs *CartService) resolveFunnel(ctx context.Context, req *CreateCartRequest) (*models.CartFunnel, error) {
	if req.FunnelID != "" {
		return cs.store.GetFunnelByID(ctx, req.FunnelID)
	}
	if req.Handle != "" && req.Key != "" {
		return cs.store.GetFunnelByHandleAndKey(ctx, req.Handle, req.Key)
	}
	return nil, &ValidationError{Field: "funnel", Msg: "funnel_id or handle+key required"}
}

// computeCheckoutAmounts prices the main product (with PWYW floor), the
// bump if selected, shipping for the destination and VAT. A failed rate
// lookup degrades to zero shipping rather than blocking checkout.
func (cs *CartService) computeCheckoutAmounts(
	ctx context.Context,
	funnel *models.CartFunnel,
	ws *models.Workspace,
	quantity int,
	pwywAmount int64,
	addBump bool,
	shipTo *ShipToInput,
	cachedZip string,
	cachedShipping int64,
) (*checkoutAmounts, error) {
	if quantity < 1 {
		quantity = 1
	}

	mainPrice := resolveMainPrice(funnel.MainProductPrice, funnel.MainPayWhatYouWant, funnel.MainPWYWMin, pwywAmount)
	productAmount := mainPrice * int64(quantity)
	if addBump && funnel.BumpProductID != nil {
		productAmount += funnel.BumpProductPrice
	}

	amounts := &checkoutAmounts{ProductAmount: productAmount}

	if shipTo != nil && shipTo.Zip != "" && shipTo.Country != "" {
		if shipTo.Zip == cachedZip {
			amounts.ShippingAmount = cachedShipping
			amounts.CachedZip = cachedZip
		} else {
			weight, err := cs.shippableWeight(ctx, funnel, quantity, addBump)
			if err != nil {
				return nil, err
			}
			if weight > 0 {
				rate, err := cs.shipping.EstimateCheapest(ctx, cs.shipFrom(ws), Address{
					Name:    shipTo.Name,
					Street1: shipTo.Street1,
					City:    shipTo.City,
					State:   shipTo.State,
					Zip:     shipTo.Zip,
					Country: shipTo.Country,
				}, weight)
				if err != nil {
					// Flagged for manual reconciliation; never block the buyer.
					cs.logger.Warn("Shipping estimate failed, proceeding with zero",
						zap.String("funnel_id", funnel.ID),
						zap.Error(err))
					amounts.ShippingFailed = true
				} else {
					amounts.ShippingAmount = rate.Amount
				}
			}
			amounts.CachedZip = shipTo.Zip
		}
		amounts.VatAmount = vatFor(shipTo.Country, productAmount)
	}

	amounts.CheckoutAmount = amounts.ProductAmount + amounts.ShippingAmount + amounts.VatAmount
	return amounts, nil
}

func (cs *CartService) shippableWeight(ctx context.Context, funnel *models.CartFunnel, quantity int, addBump bool) (int64, error) {
	main, err := cs.store.GetProductByID(ctx, funnel.MainProductID)
	if err != nil {
		return 0, fmt.Errorf("failed to load main product: %w", err)
	}

	var weight int64
	if main.RequiresShipping {
		weight = main.WeightGrams * int64(quantity)
	}
	if addBump && funnel.BumpProductID != nil {
		bump, err := cs.store.GetProductByID(ctx, *funnel.BumpProductID)
		if err != nil {
			return 0, fmt.Errorf("failed to load bump product: %w", err)
		}
		if bump.RequiresShipping {
			weight += bump.WeightGrams
		}
	}
	return weight, nil
}

func (cs *CartService) shipFrom(ws *models.Workspace) Address {
	return Address{
		Name:    ws.ShipFromName,
		Street1: ws.ShipFromStreet1,
		City:    ws.ShipFromCity,
		State:   ws.ShipFromState,
		Zip:     ws.ShipFromZip,
		Country: ws.ShipFromCountry,
	}
}

// CreateCart opens a checkout attempt: prices the selections, creates
// the provider intent sized to the current amount with the cart id as
// idempotency key, and persists the cart in checkoutCreated.
func (cs *CartService) CreateCart(ctx context.Context, req *CreateCartRequest) (*CreateCartResponse, error) {
	ctx, span := util.StartSpan(ctx, "CartService.CreateCart")
	defer span.End()

	funnel, err := cs.resolveFunnel(ctx, req)
	if err != nil {
		return nil, err
	}

	ws, err := cs.store.GetWorkspaceByID(ctx, funnel.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}

	account, err := cs.payments.ConnectedAccount(ws)
	if err != nil {
		return nil, err
	}

	amounts, err := cs.computeCheckoutAmounts(ctx, funnel, ws, req.Quantity, req.PWYWAmount, req.AddBump, req.ShipTo, "", 0)
	if err != nil {
		return nil, err
	}

	cartID := uuid.New().String()
	feePct := feePercentage(funnel, ws, cs.feePercentage)
	appFee := ApplicationFee(amounts.ProductAmount, amounts.VatAmount, amounts.ShippingAmount, feePct)

	intent, err := cs.payments.CreateIntent(ctx, &IntentParams{
		AccountID:      account,
		Amount:         amounts.CheckoutAmount,
		ApplicationFee: appFee,
		CartID:         cartID,
		PreChargeStage: models.CartStageCheckoutCreated,
	})
	if err != nil {
		return nil, err
	}

	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}

	cart := &models.Cart{
		ID:          cartID,
		WorkspaceID: funnel.WorkspaceID,
		FunnelID:    funnel.ID,
		Stage:       models.CartStageCheckoutCreated,

		VisitorIP:        req.Visitor.IP,
		SessionID:        req.Visitor.SessionID,
		UserAgent:        req.Visitor.UserAgent,
		Referer:          req.Visitor.Referer,
		LandingURL:       req.Visitor.LandingURL,
		GeoCountry:       req.Visitor.GeoCountry,
		GeoRegion:        req.Visitor.GeoRegion,
		GeoCity:          req.Visitor.GeoCity,
		FbClickID:        req.Visitor.FbClickID,
		FbBrowserID:      req.Visitor.FbBrowserID,
		EmailBroadcastID: req.EmailBroadcastID,
		LandingPageID:    req.LandingPageID,
		AdTemplateID:     req.AdTemplateID,
		AutomationStepID: req.AutomationStepID,

		MainProductID:    funnel.MainProductID,
		MainProductPrice: resolveMainPrice(funnel.MainProductPrice, funnel.MainPayWhatYouWant, funnel.MainPWYWMin, req.PWYWAmount),
		MainQuantity:     quantity,
		AddedBump:        req.AddBump && funnel.BumpProductID != nil,
		BumpProductID:    funnel.BumpProductID,
		BumpProductPrice: funnel.BumpProductPrice,
		UpsellProductID:  funnel.UpsellProductID,

		CheckoutProductAmount:  amounts.ProductAmount,
		CheckoutShippingAmount: amounts.ShippingAmount,
		CheckoutVatAmount:      amounts.VatAmount,
		CheckoutAmount:         amounts.CheckoutAmount,

		ShippingCachedZip:      amounts.CachedZip,
		ShippingEstimateFailed: amounts.ShippingFailed,
		PaymentIntentID:        intent.ID,
	}
	if req.ShipTo != nil {
		cart.ShipToName = req.ShipTo.Name
		cart.ShipToStreet1 = req.ShipTo.Street1
		cart.ShipToCity = req.ShipTo.City
		cart.ShipToState = req.ShipTo.State
		cart.ShipToZip = req.ShipTo.Zip
		cart.ShipToCountry = req.ShipTo.Country
	}
	if req.Email != nil && *req.Email != "" {
		cart.Email = req.Email
	}

	if err := cs.store.CreateCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}

	util.CartsCreatedTotal.Inc()
	cs.logger.Info("Cart created",
		zap.String("cart_id", cart.ID),
		zap.String("funnel_id", funnel.ID),
		zap.Int64("checkout_amount", cart.CheckoutAmount))

	if _, err := cs.recorder.RecordEvent(ctx, &RecordEventInput{
		WorkspaceID: funnel.WorkspaceID,
		AssetType:   models.AssetTypeCartFunnel,
		AssetID:     funnel.ID,
		EventType:   models.EventTypeCartViewCheckout,
		Visitor:     req.Visitor,
	}); err != nil {
		cs.logger.Warn("Failed to record checkout view", zap.Error(err))
	}

	return &CreateCartResponse{
		CartID:         cart.ID,
		Stage:          cart.Stage,
		ClientSecret:   intent.ClientSecret,
		CheckoutAmount: cart.CheckoutAmount,
		ProductAmount:  cart.CheckoutProductAmount,
		ShippingAmount: cart.CheckoutShippingAmount,
		VatAmount:      cart.CheckoutVatAmount,
	}, nil
}

// CheckoutUpdateRequest is a client-submitted edit while checkout is
// still open. Nil pointers mean "unchanged".
type CheckoutUpdateRequest struct {
	Quantity   *int         `json:"quantity,omitempty"`
	PWYWAmount *int64       `json:"pwyw_amount,omitempty"`
	AddBump    *bool        `json:"add_bump,omitempty"`
	Email      *string      `json:"email,omitempty"`
	ShipTo     *ShipToInput `json:"ship_to,omitempty"`
}

// UpdateCheckoutFromClient recomputes amounts for an edit and resizes
// the existing payment intent to match. The write is conditional on the
// cart not having converted; an edit can never land after the provider
// captured funds, and a second intent is never created.
func (cs *CartService) UpdateCheckoutFromClient(ctx context.Context, cartID string, req *CheckoutUpdateRequest) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateCheckoutFromClient")
	defer span.End()

	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.Converted() {
		return nil, ErrCartLocked
	}

	funnel, err := cs.store.GetFunnelByID(ctx, cart.FunnelID)
	if err != nil {
		return nil, err
	}
	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return nil, err
	}
	account, err := cs.payments.ConnectedAccount(ws)
	if err != nil {
		return nil, err
	}

	quantity := cart.MainQuantity
	if req.Quantity != nil {
		quantity = *req.Quantity
		if quantity < 1 {
			return nil, &ValidationError{Field: "quantity", Msg: "must be at least 1"}
		}
	}
	pwyw := cart.MainProductPrice
	if req.PWYWAmount != nil {
		pwyw = *req.PWYWAmount
	}
	addBump := cart.AddedBump
	if req.AddBump != nil {
		addBump = *req.AddBump && funnel.BumpProductID != nil
	}

	shipTo := &ShipToInput{
		Name:    cart.ShipToName,
		Street1: cart.ShipToStreet1,
		City:    cart.ShipToCity,
		State:   cart.ShipToState,
		Zip:     cart.ShipToZip,
		Country: cart.ShipToCountry,
	}
	if req.ShipTo != nil {
		shipTo = req.ShipTo
	}
	if shipTo.Zip == "" {
		shipTo = nil
	}

	amounts, err := cs.computeCheckoutAmounts(ctx, funnel, ws, quantity, pwyw, addBump, shipTo,
		cart.ShippingCachedZip, cart.CheckoutShippingAmount)
	if err != nil {
		return nil, err
	}

	patch := &store.CheckoutPatch{
		AddedBump:              addBump,
		BumpProductPrice:       funnel.BumpProductPrice,
		MainProductPrice:       resolveMainPrice(funnel.MainProductPrice, funnel.MainPayWhatYouWant, funnel.MainPWYWMin, pwyw),
		MainQuantity:           quantity,
		CheckoutProductAmount:  amounts.ProductAmount,
		CheckoutShippingAmount: amounts.ShippingAmount,
		CheckoutVatAmount:      amounts.VatAmount,
		CheckoutAmount:         amounts.CheckoutAmount,
		ShippingCachedZip:      amounts.CachedZip,
		ShippingEstimateFailed: amounts.ShippingFailed,
		Email:                  req.Email,
	}
	if shipTo != nil {
		patch.ShipToName = shipTo.Name
		patch.ShipToStreet1 = shipTo.Street1
		patch.ShipToCity = shipTo.City
		patch.ShipToState = shipTo.State
		patch.ShipToZip = shipTo.Zip
		patch.ShipToCountry = shipTo.Country
	}

	ok, err := cs.store.ApplyCheckoutPatch(ctx, cartID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply checkout patch: %w", err)
	}
	if !ok {
		// The webhook won the race; funds are captured.
		return nil, ErrCartLocked
	}

	feePct := feePercentage(funnel, ws, cs.feePercentage)
	appFee := ApplicationFee(amounts.ProductAmount, amounts.VatAmount, amounts.ShippingAmount, feePct)
	if err := cs.payments.ResizeIntent(ctx, account, cart.PaymentIntentID, amounts.CheckoutAmount, appFee); err != nil {
		return nil, err
	}

	return cs.store.GetCartByID(ctx, cartID)
}

// ChargeNotification is the webhook-delivered confirmation of the main
// charge, keyed by the metadata the orchestrator round-trips.
type ChargeNotification struct {
	EventID         string
	CartID          string
	PreChargeStage  string
	PaymentIntentID string
	ChargeID        string
	PaymentMethodID string
	CustomerID      string
	Email           string
	Name            string
}

// ReconcilePaymentSuccess is the authoritative, idempotent handler for
// a successful main charge. Re-delivered webhooks no-op on the stage
// compare-and-swap and the processed-events record.
func (cs *CartService) ReconcilePaymentSuccess(ctx context.Context, charge *ChargeNotification) error {
	ctx, span := util.StartSpan(ctx, "CartService.ReconcilePaymentSuccess")
	defer span.End()

	if charge.EventID != "" {
		processed, err := cs.store.IsEventProcessed(ctx, charge.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			cs.logger.Info("Webhook event already processed", zap.String("event_id", charge.EventID))
			return nil
		}
	}

	cart, err := cs.store.GetCartByID(ctx, charge.CartID)
	if err != nil {
		return err
	}
	if cart.Converted() {
		cs.markWebhookProcessed(ctx, charge)
		return nil
	}

	funnel, err := cs.store.GetFunnelByID(ctx, cart.FunnelID)
	if err != nil {
		return err
	}

	fan, err := cs.resolveFan(ctx, charge)
	if err != nil {
		return err
	}
	if err := cs.store.LinkFanToWorkspace(ctx, fan.ID, cart.WorkspaceID); err != nil {
		cs.logger.Error("Failed to link fan to workspace", zap.Error(err))
	}

	// Derived by counting at the moment of first need, not a sequence.
	orderCount, err := cs.store.CountWorkspaceOrders(ctx, cart.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to count orders: %w", err)
	}
	orderID := orderCount + 1

	hasUpsell := funnel.HasUpsell()
	stage := models.CartStageCheckoutConverted
	if hasUpsell {
		stage = models.CartStageUpsellCreated
	}

	ok, err := cs.store.AdvanceToConverted(ctx, cart.ID, &store.ConversionParams{
		Stage:            stage,
		FanID:            fan.ID,
		OrderID:          orderID,
		Email:            charge.Email,
		ChargeID:         charge.ChargeID,
		PaymentMethodID:  charge.PaymentMethodID,
		StripeCustomerID: charge.CustomerID,
		ReceiptSent:      !hasUpsell,
	})
	if err != nil {
		return fmt.Errorf("failed to advance cart: %w", err)
	}
	if !ok {
		// Lost to a concurrent delivery of the same confirmation.
		cs.markWebhookProcessed(ctx, charge)
		return nil
	}

	util.CartsConvertedTotal.Inc()
	cs.logger.Info("Cart converted",
		zap.String("cart_id", cart.ID),
		zap.Int64("order_id", orderID),
		zap.String("stage", stage))

	if _, err := cs.recorder.RecordEvent(ctx, &RecordEventInput{
		WorkspaceID: cart.WorkspaceID,
		AssetType:   models.AssetTypeCartFunnel,
		AssetID:     cart.FunnelID,
		EventType:   models.EventTypeCartPurchase,
		Visitor:     visitorFromCart(cart),
		Email:       charge.Email,
		Cart: &models.CartEventPayload{
			CartID:                 cart.ID,
			OrderID:                orderID,
			CheckoutProductAmount:  cart.CheckoutProductAmount,
			CheckoutShippingAmount: cart.CheckoutShippingAmount,
			CheckoutVatAmount:      cart.CheckoutVatAmount,
			CheckoutAmount:         cart.CheckoutAmount,
			OrderAmount:            cart.CheckoutAmount,
		},
	}); err != nil {
		cs.logger.Warn("Failed to record purchase event", zap.Error(err))
	}

	cs.incrementAttribution(ctx, cart, cart.CheckoutAmount)

	if hasUpsell {
		cs.scheduleAbandonmentCheck(ctx, cart.ID)
	} else {
		cs.publishReceipt(ctx, cart.ID)
	}

	cs.markWebhookProcessed(ctx, charge)
	return nil
}

func (cs *CartService) markWebhookProcessed(ctx context.Context, charge *ChargeNotification) {
	if charge.EventID == "" {
		return
	}
	if err := cs.store.MarkEventProcessed(ctx, charge.EventID, "payment_intent.succeeded"); err != nil {
		cs.logger.Error("Failed to mark webhook processed", zap.Error(err))
	}
}

// resolveFan matches by email, then provider customer id, then creates
// a fan with a display name normalized from the email local part.
func (cs *CartService) resolveFan(ctx context.Context, charge *ChargeNotification) (*models.Fan, error) {
	if charge.Email != "" {
		fan, err := cs.store.GetFanByEmail(ctx, charge.Email)
		if err != nil {
			return nil, err
		}
		if fan != nil {
			return fan, nil
		}
	}
	if charge.CustomerID != "" {
		fan, err := cs.store.GetFanByStripeCustomerID(ctx, charge.CustomerID)
		if err != nil {
			return nil, err
		}
		if fan != nil {
			return fan, nil
		}
	}

	name := charge.Name
	if name == "" {
		name = displayNameFromEmail(charge.Email)
	}

	fan := &models.Fan{
		ID:       uuid.New().String(),
		Email:    charge.Email,
		FullName: name,
	}
	if charge.CustomerID != "" {
		fan.StripeCustomerID = &charge.CustomerID
	}
	if err := cs.store.CreateFan(ctx, fan); err != nil {
		return nil, fmt.Errorf("failed to create fan: %w", err)
	}
	return fan, nil
}

// incrementAttribution bumps value counters on every originating asset.
// Each increment is its own statement; one failing never blocks the
// others.
func (cs *CartService) incrementAttribution(ctx context.Context, cart *models.Cart, delta int64) {
	if err := cs.store.AddAssetValue(ctx, models.AssetTypeCartFunnel, cart.FunnelID, delta); err != nil {
		cs.logger.Error("Failed to attribute funnel value", zap.Error(err))
	}
	if cart.EmailBroadcastID != nil {
		if err := cs.store.AddAssetValue(ctx, models.AssetTypeBroadcast, *cart.EmailBroadcastID, delta); err != nil {
			cs.logger.Error("Failed to attribute broadcast value", zap.Error(err))
		}
	}
	if cart.LandingPageID != nil {
		if err := cs.store.AddAssetValue(ctx, models.AssetTypeLandingPage, *cart.LandingPageID, delta); err != nil {
			cs.logger.Error("Failed to attribute landing page value", zap.Error(err))
		}
	}
	if cart.AdTemplateID != nil {
		if err := cs.store.AddAssetValue(ctx, models.AssetTypeAdTemplate, *cart.AdTemplateID, delta); err != nil {
			cs.logger.Error("Failed to attribute ad template value", zap.Error(err))
		}
	}
	if cart.AutomationStepID != nil {
		if err := cs.store.AddAssetValue(ctx, models.AssetTypeAutomationStep, *cart.AutomationStepID, delta); err != nil {
			cs.logger.Error("Failed to attribute automation step value", zap.Error(err))
		}
	}
}

func (cs *CartService) scheduleAbandonmentCheck(ctx context.Context, cartID string) {
	task := &models.TaskEnvelope{
		TaskID:     uuid.New().String(),
		TaskType:   models.TaskTypeUpsellAbandonCheck,
		CartID:     cartID,
		DueAt:      time.Now().Add(cs.upsellTimeout),
		EnqueuedAt: time.Now(),
	}
	if err := cs.tasks.PublishTask(ctx, task); err != nil {
		// The periodic sweep is the backstop for a lost task.
		cs.logger.Error("Failed to schedule abandonment check",
			zap.String("cart_id", cartID),
			zap.Error(err))
	}
}

func (cs *CartService) publishReceipt(ctx context.Context, cartID string) {
	task := &models.TaskEnvelope{
		TaskID:     uuid.New().String(),
		TaskType:   models.TaskTypeSendReceipt,
		CartID:     cartID,
		DueAt:      time.Now(),
		EnqueuedAt: time.Now(),
	}
	if err := cs.tasks.PublishTask(ctx, task); err != nil {
		cs.logger.Error("Failed to enqueue receipt",
			zap.String("cart_id", cartID),
			zap.Error(err))
	}
}

// UpsellResult tells the client where to land after the upsell step.
type UpsellResult struct {
	RedirectHandle string `json:"redirect_handle"`
	RedirectKey    string `json:"redirect_key"`
	PaymentStatus  string `json:"payment_status"`
}

// waitForFan polls the cart until the webhook has attached a fan. The
// confirmation webhook can arrive after the client's own call; bounded
// polling resolves the race instead of assuming immediate consistency.
func (cs *CartService) waitForFan(ctx context.Context, cartID string) (*models.Cart, error) {
	deadline := time.Now().Add(cs.fanWaitTimeout)

	for {
		cart, err := cs.store.GetCartByID(ctx, cartID)
		if err != nil {
			return nil, err
		}
		if cart.FanID != nil {
			return cart, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrFanResolutionTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cs.fanPollInterval):
		}
	}
}

// BuyUpsell charges the stored payment method for the upsell offer.
// A cart already in upsellConverted returns success without charging, so
// a refreshed or resubmitted page can never double-charge.
func (cs *CartService) BuyUpsell(ctx context.Context, cartID string, apparelSize *string) (*UpsellResult, error) {
	ctx, span := util.StartSpan(ctx, "CartService.BuyUpsell")
	defer span.End()

	cart, err := cs.waitForFan(ctx, cartID)
	if err != nil {
		return nil, err
	}

	funnel, err := cs.store.GetFunnelByID(ctx, cart.FunnelID)
	if err != nil {
		return nil, err
	}
	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return nil, err
	}

	result := &UpsellResult{
		RedirectHandle: ws.Handle,
		RedirectKey:    funnel.Key,
		PaymentStatus:  "succeeded",
	}

	if cart.Stage == models.CartStageUpsellConverted {
		return result, nil
	}
	if cart.Stage != models.CartStageUpsellCreated {
		return nil, ErrUpsellClosed
	}
	if !funnel.HasUpsell() {
		return nil, &ValidationError{Field: "funnel", Msg: "funnel has no upsell"}
	}

	// The receipt flag doubles as the mutex against the abandonment
	// paths: whoever flips it resolves the upsell.
	claimed, err := cs.store.ClaimReceipt(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim upsell: %w", err)
	}
	if !claimed {
		fresh, err := cs.store.GetCartByID(ctx, cartID)
		if err != nil {
			return nil, err
		}
		if fresh.Stage == models.CartStageUpsellConverted {
			return result, nil
		}
		return nil, ErrUpsellClosed
	}

	account, err := cs.payments.ConnectedAccount(ws)
	if err != nil {
		return nil, err
	}

	productAmount := funnel.UpsellProductPrice
	var shippingAmount int64
	if cart.ShipToZip != "" {
		product, perr := cs.store.GetProductByID(ctx, *funnel.UpsellProductID)
		if perr == nil && product.RequiresShipping {
			rate, serr := cs.shipping.EstimateCheapest(ctx, cs.shipFrom(ws), Address{
				Name:    cart.ShipToName,
				Street1: cart.ShipToStreet1,
				City:    cart.ShipToCity,
				State:   cart.ShipToState,
				Zip:     cart.ShipToZip,
				Country: cart.ShipToCountry,
			}, product.WeightGrams)
			if serr != nil {
				cs.logger.Warn("Upsell shipping estimate failed, proceeding with zero",
					zap.String("cart_id", cartID),
					zap.Error(serr))
			} else {
				shippingAmount = rate.Amount
			}
		}
	}
	vatAmount := vatFor(cart.ShipToCountry, productAmount)
	upsellAmount := productAmount + shippingAmount + vatAmount

	feePct := feePercentage(funnel, ws, cs.feePercentage)
	appFee := ApplicationFee(productAmount, vatAmount, shippingAmount, feePct)

	chargeResult, err := cs.payments.ConfirmOffSession(ctx, &OffSessionParams{
		AccountID:       account,
		Amount:          upsellAmount,
		ApplicationFee:  appFee,
		CustomerID:      cart.StripeCustomerID,
		PaymentMethodID: cart.PaymentMethodID,
		CartID:          cart.ID,
		PreChargeStage:  models.CartStageUpsellCreated,
	})
	if err != nil {
		// Hand the claim back so abandonment can still send the receipt.
		if rerr := cs.store.ReleaseReceiptClaim(ctx, cartID); rerr != nil {
			cs.logger.Error("Failed to release receipt claim", zap.Error(rerr))
		}
		return nil, err
	}

	ok, err := cs.store.MarkUpsellConverted(ctx, cartID, &store.UpsellConversionParams{
		PaymentIntentID: chargeResult.IntentID,
		ChargeID:        chargeResult.ChargeID,
		ApparelSize:     apparelSize,
		ProductAmount:   productAmount,
		ShippingAmount:  shippingAmount,
		VatAmount:       vatAmount,
		Amount:          upsellAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark upsell converted: %w", err)
	}
	if !ok {
		// Claim held, so this should not happen; the charge stands either way.
		cs.logger.Error("Upsell conversion update lost its claim",
			zap.String("cart_id", cartID))
	}

	util.UpsellsConvertedTotal.Inc()

	if _, err := cs.recorder.RecordEvent(ctx, &RecordEventInput{
		WorkspaceID: cart.WorkspaceID,
		AssetType:   models.AssetTypeCartFunnel,
		AssetID:     cart.FunnelID,
		EventType:   models.EventTypeCartUpsellPurchase,
		Visitor:     visitorFromCart(cart),
		Email:       stringOrEmpty(cart.Email),
		Cart: &models.CartEventPayload{
			CartID:                 cart.ID,
			OrderID:                int64OrZero(cart.OrderID),
			CheckoutProductAmount:  cart.CheckoutProductAmount,
			CheckoutShippingAmount: cart.CheckoutShippingAmount,
			CheckoutVatAmount:      cart.CheckoutVatAmount,
			CheckoutAmount:         cart.CheckoutAmount,
			UpsellAmount:           upsellAmount,
			OrderAmount:            cart.CheckoutAmount + upsellAmount,
		},
	}); err != nil {
		cs.logger.Warn("Failed to record upsell purchase event", zap.Error(err))
	}

	// Attribute only the upsell delta; the main sale was counted at
	// conversion.
	cs.incrementAttribution(ctx, cart, upsellAmount)

	cs.publishReceipt(ctx, cartID)

	return result, nil
}

// DeclineUpsell resolves the upsell as declined and sends the pending
// main-order receipt.
func (cs *CartService) DeclineUpsell(ctx context.Context, cartID string) error {
	ctx, span := util.StartSpan(ctx, "CartService.DeclineUpsell")
	defer span.End()

	cart, err := cs.waitForFan(ctx, cartID)
	if err != nil {
		return err
	}

	switch cart.Stage {
	case models.CartStageUpsellCreated:
	case models.CartStageUpsellDeclined, models.CartStageUpsellConverted, models.CartStageUpsellAbandoned:
		return nil
	default:
		return ErrUpsellClosed
	}

	ok, err := cs.store.MarkUpsellDeclined(ctx, cartID)
	if err != nil {
		return fmt.Errorf("failed to mark upsell declined: %w", err)
	}
	if !ok {
		// Another path resolved the upsell and owns the receipt.
		return nil
	}

	cs.logger.Info("Upsell declined", zap.String("cart_id", cartID))
	cs.publishReceipt(ctx, cartID)
	return nil
}

// HandleUpsellAbandonment is run by the delayed task and the periodic
// sweep. The conditional update picks exactly one winner, so the two
// mechanisms can never double-send the receipt.
func (cs *CartService) HandleUpsellAbandonment(ctx context.Context, cartID string) error {
	ok, err := cs.store.MarkUpsellAbandoned(ctx, cartID)
	if err != nil {
		return fmt.Errorf("failed to mark upsell abandoned: %w", err)
	}
	if !ok {
		return nil
	}

	cs.logger.Info("Upsell abandoned", zap.String("cart_id", cartID))
	cs.publishReceipt(ctx, cartID)
	return nil
}

// SweepAbandoned catches carts whose delayed task never fired and flags
// stale checkouts onto the abandoned side branch.
func (cs *CartService) SweepAbandoned(ctx context.Context) error {
	stale, err := cs.store.ListStaleUpsellCarts(ctx, time.Now().Add(-cs.upsellTimeout))
	if err != nil {
		return fmt.Errorf("failed to list stale upsell carts: %w", err)
	}
	for i := range stale {
		if err := cs.HandleUpsellAbandonment(ctx, stale[i].ID); err != nil {
			cs.logger.Error("Sweep failed to abandon upsell",
				zap.String("cart_id", stale[i].ID),
				zap.Error(err))
		}
	}

	flagged, err := cs.store.FlagAbandonedCheckouts(ctx, time.Now().Add(-cs.checkoutExpiry))
	if err != nil {
		return fmt.Errorf("failed to flag abandoned checkouts: %w", err)
	}
	for i := range flagged {
		cart := &flagged[i]
		if _, err := cs.recorder.RecordEvent(ctx, &RecordEventInput{
			WorkspaceID: cart.WorkspaceID,
			AssetType:   models.AssetTypeCartFunnel,
			AssetID:     cart.FunnelID,
			EventType:   models.EventTypeCartAbandoned,
			Visitor:     visitorFromCart(cart),
			Cart: &models.CartEventPayload{
				CartID:                 cart.ID,
				CheckoutProductAmount:  cart.CheckoutProductAmount,
				CheckoutShippingAmount: cart.CheckoutShippingAmount,
				CheckoutVatAmount:      cart.CheckoutVatAmount,
				CheckoutAmount:         cart.CheckoutAmount,
			},
		}); err != nil {
			cs.logger.Warn("Failed to record abandonment event", zap.Error(err))
		}
	}

	return nil
}

// SendReceipt delivers the buyer receipt for a resolved cart. Failures
// are returned so the queue redelivers; the stage is never unwound.
func (cs *CartService) SendReceipt(ctx context.Context, cartID string) error {
	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return err
	}
	if cart.Email == nil || *cart.Email == "" {
		cs.logger.Warn("No email on cart, skipping receipt", zap.String("cart_id", cartID))
		return nil
	}

	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return err
	}

	msg := mailer.Message{
		To:      *cart.Email,
		Subject: fmt.Sprintf("Your %s order", ws.Name),
		Body:    receiptBody(cart, ws),
	}
	if ws.SupportEmail != "" {
		msg.Bcc = []string{ws.SupportEmail}
	}

	if err := cs.mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send receipt: %w", err)
	}

	util.ReceiptsSentTotal.Inc()
	cs.logger.Info("Receipt sent", zap.String("cart_id", cartID))
	return nil
}

// receiptBody renders the plain receipt. Only lines the buyer paid for
// appear: the upsell line shows up solely on upsell-converted carts.
func receiptBody(cart *models.Cart, ws *models.Workspace) string {
	body := fmt.Sprintf("<p>Thanks for your order from %s.</p>", ws.Name)
	if cart.OrderID != nil {
		body += fmt.Sprintf("<p>Order #%d</p>", *cart.OrderID)
	}
	body += fmt.Sprintf("<p>Items: $%.2f</p>", float64(cart.OrderProductAmount)/100)
	if cart.OrderShippingAmount > 0 {
		body += fmt.Sprintf("<p>Shipping &amp; handling: $%.2f</p>", float64(cart.OrderShippingAmount)/100)
	}
	if cart.OrderVatAmount > 0 {
		body += fmt.Sprintf("<p>VAT: $%.2f</p>", float64(cart.OrderVatAmount)/100)
	}
	body += fmt.Sprintf("<p>Total: $%.2f</p>", float64(cart.OrderAmount)/100)
	return body
}

// Refund refunds the main charge and, independently, the upsell charge,
// then cancels the cart. A failed upsell refund is reported as partial;
// it never implies the main refund was reverted.
func (cs *CartService) Refund(ctx context.Context, cartID, reason string) error {
	ctx, span := util.StartSpan(ctx, "CartService.Refund")
	defer span.End()

	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return err
	}
	if cart.ChargeID == "" {
		return &ValidationError{Field: "cart", Msg: "no charge to refund"}
	}

	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return err
	}
	account, err := cs.payments.ConnectedAccount(ws)
	if err != nil {
		return err
	}

	if err := cs.payments.Refund(ctx, account, cart.ChargeID, reason); err != nil {
		return err
	}
	refunded := cart.CheckoutAmount

	if cart.UpsellChargeID != "" {
		if err := cs.payments.Refund(ctx, account, cart.UpsellChargeID, reason); err != nil {
			if merr := cs.store.MarkRefunded(ctx, cartID, refunded); merr != nil {
				cs.logger.Error("Failed to record partial refund", zap.Error(merr))
			}
			return &PartialRefundError{RefundedAmount: refunded, Err: err}
		}
		refunded += cart.UpsellAmount
	}

	if err := cs.store.MarkRefunded(ctx, cartID, refunded); err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}

	cs.logger.Info("Cart refunded",
		zap.String("cart_id", cartID),
		zap.Int64("amount", refunded))
	return nil
}

// GetCart returns the cart for client polling during webhook
// convergence.
func (cs *CartService) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	return cs.store.GetCartByID(ctx, cartID)
}

// FulfillmentRequest ships a subset of a cart's purchased products.
type FulfillmentRequest struct {
	ProductIDs []string `json:"product_ids"`
}

// FulfillmentResult reports the created shipment and whether the cart
// is now fully covered.
type FulfillmentResult struct {
	Fulfillment    *models.CartFulfillment `json:"fulfillment"`
	FullyFulfilled bool                    `json:"fully_fulfilled"`
}

// CreateFulfillment purchases a label for the shipped subset, appends
// the shipment record and queues the buyer's shipping update.
func (cs *CartService) CreateFulfillment(ctx context.Context, cartID string, req *FulfillmentRequest) (*FulfillmentResult, error) {
	ctx, span := util.StartSpan(ctx, "CartService.CreateFulfillment")
	defer span.End()

	if len(req.ProductIDs) == 0 {
		return nil, &ValidationError{Field: "product_ids", Msg: "at least one product required"}
	}

	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !cart.Converted() {
		return nil, &ValidationError{Field: "cart", Msg: "cart has not converted"}
	}
	if cart.ShipToZip == "" {
		return nil, &ValidationError{Field: "cart", Msg: "cart has no shipping address"}
	}

	purchased := make(map[string]bool)
	for _, id := range cart.PurchasedProductIDs() {
		purchased[id] = true
	}
	for _, id := range req.ProductIDs {
		if !purchased[id] {
			return nil, &ValidationError{Field: "product_ids", Msg: fmt.Sprintf("product %s is not part of this order", id)}
		}
	}

	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return nil, err
	}

	var weight int64
	for _, id := range req.ProductIDs {
		product, err := cs.store.GetProductByID(ctx, id)
		if err != nil {
			return nil, err
		}
		weight += product.WeightGrams
	}

	rate, err := cs.shipping.EstimateCheapest(ctx, cs.shipFrom(ws), Address{
		Name:    cart.ShipToName,
		Street1: cart.ShipToStreet1,
		City:    cart.ShipToCity,
		State:   cart.ShipToState,
		Zip:     cart.ShipToZip,
		Country: cart.ShipToCountry,
	}, weight)
	if err != nil {
		return nil, fmt.Errorf("failed to quote label: %w", err)
	}

	label, err := cs.shipping.PurchaseLabel(ctx, rate.RateID)
	if err != nil {
		return nil, fmt.Errorf("failed to purchase label: %w", err)
	}

	existing, err := cs.store.GetFulfillmentsByCartID(ctx, cartID)
	if err != nil {
		return nil, err
	}

	// The buyer's shipping charge is credited against the first label;
	// later splits eat their own label cost.
	var collected int64
	if len(existing) == 0 {
		collected = cart.OrderShippingAmount
	}

	fulfillment := &models.CartFulfillment{
		ID:                uuid.New().String(),
		CartID:            cartID,
		ProductIDs:        req.ProductIDs,
		Carrier:           label.Carrier,
		ServiceLevel:      label.ServiceLevel,
		TrackingNumber:    label.TrackingNumber,
		TrackingURL:       label.TrackingURL,
		LabelURL:          label.LabelURL,
		LabelCost:         label.Cost,
		ShippingCollected: collected,
	}
	if err := cs.store.CreateFulfillment(ctx, fulfillment); err != nil {
		return nil, fmt.Errorf("failed to create fulfillment: %w", err)
	}

	if delta := fulfillment.CostDelta(); delta > 0 {
		cs.logger.Warn("Label cost exceeded shipping collected",
			zap.String("cart_id", cartID),
			zap.Int64("delta", delta))
	}

	task := &models.TaskEnvelope{
		TaskID:        uuid.New().String(),
		TaskType:      models.TaskTypeSendShippingUpdate,
		CartID:        cartID,
		FulfillmentID: fulfillment.ID,
		DueAt:         time.Now(),
		EnqueuedAt:    time.Now(),
	}
	if err := cs.tasks.PublishTask(ctx, task); err != nil {
		cs.logger.Error("Failed to enqueue shipping update", zap.Error(err))
	}

	all := append(existing, *fulfillment)
	return &FulfillmentResult{
		Fulfillment:    fulfillment,
		FullyFulfilled: store.IsFullyFulfilled(cart.PurchasedProductIDs(), all),
	}, nil
}

// SendShippingUpdate emails the buyer their tracking details.
func (cs *CartService) SendShippingUpdate(ctx context.Context, cartID, fulfillmentID string) error {
	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return err
	}
	if cart.Email == nil || *cart.Email == "" {
		return nil
	}

	fulfillments, err := cs.store.GetFulfillmentsByCartID(ctx, cartID)
	if err != nil {
		return err
	}
	var target *models.CartFulfillment
	for i := range fulfillments {
		if fulfillments[i].ID == fulfillmentID {
			target = &fulfillments[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("fulfillment not found: %s", fulfillmentID)
	}

	ws, err := cs.store.GetWorkspaceByID(ctx, cart.WorkspaceID)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("<p>Your order from %s is on the way.</p><p>Tracking: <a href=%q>%s</a></p>",
		ws.Name, target.TrackingURL, target.TrackingNumber)

	return cs.mail.Send(ctx, mailer.Message{
		To:      *cart.Email,
		Subject: fmt.Sprintf("Your %s order has shipped", ws.Name),
		Body:    body,
	})
}

func visitorFromCart(cart *models.Cart) models.VisitorContext {
	return models.VisitorContext{
		IP:          cart.VisitorIP,
		SessionID:   cart.SessionID,
		UserAgent:   cart.UserAgent,
		Referer:     cart.Referer,
		LandingURL:  cart.LandingURL,
		GeoCountry:  cart.GeoCountry,
		GeoRegion:   cart.GeoRegion,
		GeoCity:     cart.GeoCity,
		FbClickID:   cart.FbClickID,
		FbBrowserID: cart.FbBrowserID,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func int64OrZero(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
