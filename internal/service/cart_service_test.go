package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"funnel-service/internal/mailer"
	"funnel-service/internal/models"
	"funnel-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	workspaces   map[string]*models.Workspace
	funnels      map[string]*models.CartFunnel
	products     map[string]*models.Product
	carts        map[string]*models.Cart
	fans         map[string]*models.Fan
	fulfillments map[string][]models.CartFulfillment
	processed    map[string]bool
	assetValue   map[string]int64
	orderCount   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces:   map[string]*models.Workspace{},
		funnels:      map[string]*models.CartFunnel{},
		products:     map[string]*models.Product{},
		carts:        map[string]*models.Cart{},
		fans:         map[string]*models.Fan{},
		fulfillments: map[string][]models.CartFulfillment{},
		processed:    map[string]bool{},
		assetValue:   map[string]int64{},
	}
}

func (f *fakeStore) GetFunnelByID(_ context.Context, id string) (*models.CartFunnel, error) {
	if fn, ok := f.funnels[id]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("funnel not found: %s", id)
}

func (f *fakeStore) GetFunnelByHandleAndKey(_ context.Context, handle, key string) (*models.CartFunnel, error) {
	for _, fn := range f.funnels {
		if fn.Handle == handle && fn.Key == key {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("funnel not found: %s/%s", handle, key)
}

func (f *fakeStore) GetWorkspaceByID(_ context.Context, id string) (*models.Workspace, error) {
	if ws, ok := f.workspaces[id]; ok {
		return ws, nil
	}
	return nil, fmt.Errorf("workspace not found: %s", id)
}

func (f *fakeStore) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("product not found: %s", id)
}

func (f *fakeStore) CreateCart(_ context.Context, cart *models.Cart) error {
	f.carts[cart.ID] = cart
	return nil
}

func (f *fakeStore) GetCartByID(_ context.Context, id string) (*models.Cart, error) {
	if c, ok := f.carts[id]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, fmt.Errorf("cart not found: %s", id)
}

func (f *fakeStore) ApplyCheckoutPatch(_ context.Context, cartID string, p *store.CheckoutPatch) (bool, error) {
	c := f.carts[cartID]
	if c == nil || c.Converted() {
		return false, nil
	}
	c.AddedBump = p.AddedBump
	c.MainProductPrice = p.MainProductPrice
	c.MainQuantity = p.MainQuantity
	c.CheckoutProductAmount = p.CheckoutProductAmount
	c.CheckoutShippingAmount = p.CheckoutShippingAmount
	c.CheckoutVatAmount = p.CheckoutVatAmount
	c.CheckoutAmount = p.CheckoutAmount
	c.ShippingCachedZip = p.ShippingCachedZip
	if p.Email != nil {
		c.Email = p.Email
	}
	return true, nil
}

func (f *fakeStore) AdvanceToConverted(_ context.Context, cartID string, p *store.ConversionParams) (bool, error) {
	c := f.carts[cartID]
	if c == nil || c.Converted() {
		return false, nil
	}
	c.Stage = p.Stage
	c.FanID = &p.FanID
	c.OrderID = &p.OrderID
	if p.Email != "" {
		email := p.Email
		c.Email = &email
	}
	c.ChargeID = p.ChargeID
	c.PaymentMethodID = p.PaymentMethodID
	c.StripeCustomerID = p.StripeCustomerID
	c.ReceiptSent = p.ReceiptSent
	c.OrderProductAmount = c.CheckoutProductAmount
	c.OrderShippingAmount = c.CheckoutShippingAmount
	c.OrderVatAmount = c.CheckoutVatAmount
	c.OrderAmount = c.CheckoutAmount
	if p.Stage == models.CartStageUpsellCreated {
		now := time.Now()
		c.UpsellCreatedAt = &now
	}
	f.orderCount++
	return true, nil
}

func (f *fakeStore) ClaimReceipt(_ context.Context, cartID string) (bool, error) {
	c := f.carts[cartID]
	if c == nil || c.Stage != models.CartStageUpsellCreated || c.ReceiptSent {
		return false, nil
	}
	c.ReceiptSent = true
	return true, nil
}

func (f *fakeStore) ReleaseReceiptClaim(_ context.Context, cartID string) error {
	if c := f.carts[cartID]; c != nil && c.Stage == models.CartStageUpsellCreated {
		c.ReceiptSent = false
	}
	return nil
}

func (f *fakeStore) MarkUpsellConverted(_ context.Context, cartID string, p *store.UpsellConversionParams) (bool, error) {
	c := f.carts[cartID]
	if c == nil || c.Stage != models.CartStageUpsellCreated {
		return false, nil
	}
	c.Stage = models.CartStageUpsellConverted
	c.UpsellPaymentIntentID = p.PaymentIntentID
	c.UpsellChargeID = p.ChargeID
	c.UpsellApparelSize = p.ApparelSize
	c.UpsellProductAmount = p.ProductAmount
	c.UpsellShippingAmount = p.ShippingAmount
	c.UpsellVatAmount = p.VatAmount
	c.UpsellAmount = p.Amount
	c.OrderProductAmount += p.ProductAmount
	c.OrderShippingAmount += p.ShippingAmount
	c.OrderVatAmount += p.VatAmount
	c.OrderAmount += p.Amount
	return true, nil
}

func (f *fakeStore) resolveUpsell(cartID, stage string) (bool, error) {
	c := f.carts[cartID]
	if c == nil || c.Stage != models.CartStageUpsellCreated || c.ReceiptSent {
		return false, nil
	}
	c.Stage = stage
	c.ReceiptSent = true
	return true, nil
}

func (f *fakeStore) MarkUpsellDeclined(_ context.Context, cartID string) (bool, error) {
	return f.resolveUpsell(cartID, models.CartStageUpsellDeclined)
}

func (f *fakeStore) MarkUpsellAbandoned(_ context.Context, cartID string) (bool, error) {
	return f.resolveUpsell(cartID, models.CartStageUpsellAbandoned)
}

func (f *fakeStore) CountWorkspaceOrders(_ context.Context, _ string) (int64, error) {
	return f.orderCount, nil
}

func (f *fakeStore) ListStaleUpsellCarts(_ context.Context, cutoff time.Time) ([]models.Cart, error) {
	var out []models.Cart
	for _, c := range f.carts {
		if c.Stage == models.CartStageUpsellCreated && !c.ReceiptSent &&
			c.UpsellCreatedAt != nil && c.UpsellCreatedAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) FlagAbandonedCheckouts(_ context.Context, cutoff time.Time) ([]models.Cart, error) {
	var out []models.Cart
	for _, c := range f.carts {
		if c.Stage == models.CartStageCheckoutCreated && c.CreatedAt.Before(cutoff) {
			c.Stage = models.CartStageCheckoutAbandoned
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRefunded(_ context.Context, cartID string, amount int64) error {
	c := f.carts[cartID]
	c.Canceled = true
	c.Refunded = true
	c.RefundedAmount += amount
	return nil
}

func (f *fakeStore) GetFanByEmail(_ context.Context, email string) (*models.Fan, error) {
	for _, fan := range f.fans {
		if fan.Email == email {
			return fan, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetFanByStripeCustomerID(_ context.Context, customerID string) (*models.Fan, error) {
	for _, fan := range f.fans {
		if fan.StripeCustomerID != nil && *fan.StripeCustomerID == customerID {
			return fan, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateFan(_ context.Context, fan *models.Fan) error {
	f.fans[fan.ID] = fan
	return nil
}

func (f *fakeStore) LinkFanToWorkspace(_ context.Context, _, _ string) error { return nil }

func (f *fakeStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	f.processed[eventID] = true
	return nil
}

func (f *fakeStore) CreateFulfillment(_ context.Context, ff *models.CartFulfillment) error {
	f.fulfillments[ff.CartID] = append(f.fulfillments[ff.CartID], *ff)
	return nil
}

func (f *fakeStore) GetFulfillmentsByCartID(_ context.Context, cartID string) ([]models.CartFulfillment, error) {
	return f.fulfillments[cartID], nil
}

func (f *fakeStore) AddAssetValue(_ context.Context, assetType, assetID string, delta int64) error {
	f.assetValue[assetType+":"+assetID] += delta
	return nil
}

type fakePayments struct {
	intents     []IntentParams
	resizes     []int64
	offSessions []OffSessionParams
	refunds     []string
	failCharge  bool
	failRefunds map[string]bool
}

func (f *fakePayments) ConnectedAccount(ws *models.Workspace) (string, error) {
	if ws.StripeTestAccountID == nil {
		return "", ErrProviderAccountMissing
	}
	return *ws.StripeTestAccountID, nil
}

func (f *fakePayments) CreateIntent(_ context.Context, p *IntentParams) (*Intent, error) {
	f.intents = append(f.intents, *p)
	return &Intent{ID: "pi_main", ClientSecret: "cs_main"}, nil
}

func (f *fakePayments) ResizeIntent(_ context.Context, _, _ string, amount, _ int64) error {
	f.resizes = append(f.resizes, amount)
	return nil
}

func (f *fakePayments) ConfirmOffSession(_ context.Context, p *OffSessionParams) (*ChargeResult, error) {
	if f.failCharge {
		return nil, &PaymentProviderError{Op: "confirm upsell", Err: errors.New("card declined")}
	}
	f.offSessions = append(f.offSessions, *p)
	return &ChargeResult{IntentID: "pi_upsell", ChargeID: "ch_upsell"}, nil
}

func (f *fakePayments) Refund(_ context.Context, _, chargeID, _ string) error {
	if f.failRefunds[chargeID] {
		return &PaymentProviderError{Op: "refund", Err: errors.New("refund rejected")}
	}
	f.refunds = append(f.refunds, chargeID)
	return nil
}

type fakeShipping struct {
	amount int64
	fail   bool
	quotes int
}

func (f *fakeShipping) EstimateCheapest(_ context.Context, _, _ Address, _ int64) (*Rate, error) {
	f.quotes++
	if f.fail {
		return nil, errors.New("rate provider unavailable")
	}
	return &Rate{RateID: "rate_1", Carrier: "usps", ServiceLevel: "Priority", Amount: f.amount}, nil
}

func (f *fakeShipping) PurchaseLabel(_ context.Context, _ string) (*Label, error) {
	return &Label{
		Carrier:        "usps",
		ServiceLevel:   "Priority",
		TrackingNumber: "9400100000000000000000",
		TrackingURL:    "https://tools.usps.com/track?n=9400",
		LabelURL:       "https://example.com/label.pdf",
		Cost:           f.amount,
	}, nil
}

type fakeRecorder struct {
	events []RecordEventInput
}

func (f *fakeRecorder) RecordEvent(_ context.Context, in *RecordEventInput) (Outcome, error) {
	f.events = append(f.events, *in)
	return OutcomeRecorded, nil
}

func (f *fakeRecorder) eventTypes() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeTasks struct {
	published []models.TaskEnvelope
}

func (f *fakeTasks) PublishTask(_ context.Context, task *models.TaskEnvelope) error {
	f.published = append(f.published, *task)
	return nil
}

func (f *fakeTasks) ofType(taskType string) []models.TaskEnvelope {
	var out []models.TaskEnvelope
	for _, t := range f.published {
		if t.TaskType == taskType {
			out = append(out, t)
		}
	}
	return out
}

type fakeMailer struct {
	sent []mailer.Message
	fail bool
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	if f.fail {
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fixture struct {
	store    *fakeStore
	payments *fakePayments
	shipping *fakeShipping
	recorder *fakeRecorder
	tasks    *fakeTasks
	mail     *fakeMailer
	svc      *CartService
}

func newFixture() *fixture {
	f := &fixture{
		store:    newFakeStore(),
		payments: &fakePayments{failRefunds: map[string]bool{}},
		shipping: &fakeShipping{amount: 600},
		recorder: &fakeRecorder{},
		tasks:    &fakeTasks{},
		mail:     &fakeMailer{},
	}
	f.svc = NewCartService(
		f.store, f.payments, f.shipping, f.recorder, f.tasks, f.mail,
		0.05, 10*time.Minute, 2*time.Hour, 50*time.Millisecond,
	)
	f.svc.fanPollInterval = 5 * time.Millisecond

	account := "acct_test"
	f.store.workspaces["ws1"] = &models.Workspace{
		ID:                  "ws1",
		Handle:              "jane",
		Name:                "Jane's Shop",
		StripeTestAccountID: &account,
		SupportEmail:        "support@janes.shop",
		ShipFromName:        "Jane's Shop",
		ShipFromStreet1:     "1 Warehouse Way",
		ShipFromCity:        "Austin",
		ShipFromState:       "TX",
		ShipFromZip:         "78701",
		ShipFromCountry:     "US",
	}
	upsell := "prod_upsell"
	bump := "prod_bump"
	f.store.funnels["fn1"] = &models.CartFunnel{
		ID:                 "fn1",
		WorkspaceID:        "ws1",
		Handle:             "jane",
		Key:                "summer-drop",
		MainProductID:      "prod_main",
		MainProductPrice:   2500,
		BumpProductID:      &bump,
		BumpProductPrice:   900,
		UpsellProductID:    &upsell,
		UpsellProductPrice: 1800,
	}
	f.store.products["prod_main"] = &models.Product{ID: "prod_main", Price: 2500, WeightGrams: 300, RequiresShipping: true}
	f.store.products["prod_bump"] = &models.Product{ID: "prod_bump", Price: 900}
	f.store.products["prod_upsell"] = &models.Product{ID: "prod_upsell", Price: 1800, WeightGrams: 200, RequiresShipping: true, IsApparel: true}
	return f
}

func (f *fixture) createCart(t *testing.T, req *CreateCartRequest) *models.Cart {
	t.Helper()
	if req == nil {
		req = &CreateCartRequest{FunnelID: "fn1", Quantity: 1}
	}
	resp, err := f.svc.CreateCart(context.Background(), req)
	require.NoError(t, err)
	cart := f.store.carts[resp.CartID]
	require.NotNil(t, cart)
	return cart
}

func (f *fixture) convert(t *testing.T, cartID string) *models.Cart {
	t.Helper()
	err := f.svc.ReconcilePaymentSuccess(context.Background(), &ChargeNotification{
		EventID:         "evt_" + cartID,
		CartID:          cartID,
		PreChargeStage:  models.CartStageCheckoutCreated,
		PaymentIntentID: "pi_main",
		ChargeID:        "ch_main",
		PaymentMethodID: "pm_1",
		CustomerID:      "cus_1",
		Email:           "jane.doe@example.com",
	})
	require.NoError(t, err)
	return f.store.carts[cartID]
}

func TestCreateCart(t *testing.T) {
	f := newFixture()

	resp, err := f.svc.CreateCart(context.Background(), &CreateCartRequest{
		FunnelID: "fn1",
		Quantity: 2,
		AddBump:  true,
		ShipTo:   &ShipToInput{Name: "Amy", Street1: "2 Main St", City: "Berlin", Zip: "10115", Country: "DE"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.CartStageCheckoutCreated, resp.Stage)
	assert.Equal(t, "cs_main", resp.ClientSecret)
	assert.Equal(t, int64(2*2500+900), resp.ProductAmount)
	assert.Equal(t, int64(600), resp.ShippingAmount)
	assert.Equal(t, vatFor("DE", resp.ProductAmount), resp.VatAmount)
	assert.Equal(t, resp.ProductAmount+resp.ShippingAmount+resp.VatAmount, resp.CheckoutAmount)

	// The cart id is the idempotency key for the main intent.
	require.Len(t, f.payments.intents, 1)
	assert.Equal(t, resp.CartID, f.payments.intents[0].CartID)
	assert.Equal(t, resp.CheckoutAmount, f.payments.intents[0].Amount)

	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, models.EventTypeCartViewCheckout, f.recorder.events[0].EventType)
}

func TestCreateCartWithoutPaymentAccount(t *testing.T) {
	f := newFixture()
	f.store.workspaces["ws1"].StripeTestAccountID = nil

	_, err := f.svc.CreateCart(context.Background(), &CreateCartRequest{FunnelID: "fn1"})
	assert.ErrorIs(t, err, ErrProviderAccountMissing)
	assert.Empty(t, f.payments.intents)
}

func TestCreateCartShippingFailureDegrades(t *testing.T) {
	f := newFixture()
	f.shipping.fail = true

	resp, err := f.svc.CreateCart(context.Background(), &CreateCartRequest{
		FunnelID: "fn1",
		ShipTo:   &ShipToInput{Zip: "78701", Country: "US"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), resp.ShippingAmount)
	assert.True(t, f.store.carts[resp.CartID].ShippingEstimateFailed)
}

func TestCreateCartPWYWFloor(t *testing.T) {
	f := newFixture()
	f.store.funnels["fn1"].MainPayWhatYouWant = true
	f.store.funnels["fn1"].MainPWYWMin = 1000

	resp, err := f.svc.CreateCart(context.Background(), &CreateCartRequest{FunnelID: "fn1", PWYWAmount: 250})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), resp.ProductAmount)
}

func TestUpdateCheckoutReusesCachedShipping(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, &CreateCartRequest{
		FunnelID: "fn1",
		ShipTo:   &ShipToInput{Zip: "78701", Country: "US"},
	})
	require.Equal(t, 1, f.shipping.quotes)

	qty := 3
	_, err := f.svc.UpdateCheckoutFromClient(context.Background(), cart.ID, &CheckoutUpdateRequest{Quantity: &qty})
	require.NoError(t, err)

	// Same zip, no second rate lookup; the intent is resized instead.
	assert.Equal(t, 1, f.shipping.quotes)
	require.Len(t, f.payments.resizes, 1)
	assert.Equal(t, f.store.carts[cart.ID].CheckoutAmount, f.payments.resizes[0])
}

func TestUpdateCheckoutAfterConversion(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	qty := 2
	_, err := f.svc.UpdateCheckoutFromClient(context.Background(), cart.ID, &CheckoutUpdateRequest{Quantity: &qty})
	assert.ErrorIs(t, err, ErrCartLocked)
	assert.Empty(t, f.payments.resizes)
}

func TestReconcilePaymentSuccess(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)

	converted := f.convert(t, cart.ID)

	// Funnel has an upsell, so the cart parks in upsellCreated.
	assert.Equal(t, models.CartStageUpsellCreated, converted.Stage)
	assert.False(t, converted.ReceiptSent)
	require.NotNil(t, converted.OrderID)
	assert.Equal(t, int64(1), *converted.OrderID)
	assert.Equal(t, converted.CheckoutAmount, converted.OrderAmount)

	// A fan was created from the billing email.
	require.NotNil(t, converted.FanID)
	fan := f.store.fans[*converted.FanID]
	require.NotNil(t, fan)
	assert.Equal(t, "Jane Doe", fan.FullName)

	// Abandonment check scheduled, receipt deferred to upsell resolution.
	require.Len(t, f.tasks.ofType(models.TaskTypeUpsellAbandonCheck), 1)
	assert.Empty(t, f.tasks.ofType(models.TaskTypeSendReceipt))

	assert.Contains(t, f.recorder.eventTypes(), models.EventTypeCartPurchase)
	assert.Equal(t, converted.CheckoutAmount, f.store.assetValue["cartFunnel:fn1"])
}

func TestReconcilePaymentSuccessRedelivery(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)

	f.convert(t, cart.ID)
	tasksAfterFirst := len(f.tasks.published)

	// Same event id, then a different delivery of the same confirmation.
	f.convert(t, cart.ID)
	err := f.svc.ReconcilePaymentSuccess(context.Background(), &ChargeNotification{
		EventID:  "evt_retry",
		CartID:   cart.ID,
		ChargeID: "ch_main",
		Email:    "jane.doe@example.com",
	})
	require.NoError(t, err)

	assert.Len(t, f.tasks.published, tasksAfterFirst)
	require.NotNil(t, f.store.carts[cart.ID].OrderID)
	assert.Equal(t, int64(1), *f.store.carts[cart.ID].OrderID)
}

func TestReconcileWithoutUpsellSendsReceipt(t *testing.T) {
	f := newFixture()
	f.store.funnels["fn1"].UpsellProductID = nil
	cart := f.createCart(t, nil)

	converted := f.convert(t, cart.ID)

	assert.Equal(t, models.CartStageCheckoutConverted, converted.Stage)
	assert.True(t, converted.ReceiptSent)
	require.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
	assert.Empty(t, f.tasks.ofType(models.TaskTypeUpsellAbandonCheck))
}

func TestReconcileKeepsCheckoutEmail(t *testing.T) {
	f := newFixture()
	f.store.funnels["fn1"].UpsellProductID = nil
	email := "buyer@example.com"
	cart := f.createCart(t, &CreateCartRequest{FunnelID: "fn1", Quantity: 1, Email: &email})

	// Wallet charges can arrive without billing details; the email the
	// buyer typed at checkout must survive the reconciliation.
	err := f.svc.ReconcilePaymentSuccess(context.Background(), &ChargeNotification{
		EventID:        "evt_no_billing_email",
		CartID:         cart.ID,
		PreChargeStage: models.CartStageCheckoutCreated,
		ChargeID:       "ch_main",
	})
	require.NoError(t, err)

	after := f.store.carts[cart.ID]
	require.NotNil(t, after.Email)
	assert.Equal(t, email, *after.Email)

	require.NoError(t, f.svc.SendReceipt(context.Background(), cart.ID))
	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, email, f.mail.sent[0].To)
}

func TestAttributionCoversAllOriginatingAssets(t *testing.T) {
	f := newFixture()
	broadcast, landing, ad, step := "bc1", "lp1", "ad1", "as1"
	cart := f.createCart(t, &CreateCartRequest{
		FunnelID:         "fn1",
		Quantity:         1,
		EmailBroadcastID: &broadcast,
		LandingPageID:    &landing,
		AdTemplateID:     &ad,
		AutomationStepID: &step,
	})

	converted := f.convert(t, cart.ID)

	value := converted.CheckoutAmount
	assert.Equal(t, value, f.store.assetValue["cartFunnel:fn1"])
	assert.Equal(t, value, f.store.assetValue["emailBroadcast:bc1"])
	assert.Equal(t, value, f.store.assetValue["landingPage:lp1"])
	assert.Equal(t, value, f.store.assetValue["adTemplate:ad1"])
	assert.Equal(t, value, f.store.assetValue["automationStep:as1"])
}

func TestBuyUpsell(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, &CreateCartRequest{
		FunnelID: "fn1",
		ShipTo:   &ShipToInput{Zip: "78701", Country: "US"},
	})
	f.convert(t, cart.ID)
	checkoutAmount := f.store.carts[cart.ID].CheckoutAmount

	size := "M"
	result, err := f.svc.BuyUpsell(context.Background(), cart.ID, &size)
	require.NoError(t, err)

	assert.Equal(t, "jane", result.RedirectHandle)
	assert.Equal(t, "summer-drop", result.RedirectKey)

	after := f.store.carts[cart.ID]
	assert.Equal(t, models.CartStageUpsellConverted, after.Stage)
	assert.Equal(t, int64(1800), after.UpsellProductAmount)
	assert.Equal(t, int64(600), after.UpsellShippingAmount)
	assert.Equal(t, after.UpsellProductAmount+after.UpsellShippingAmount+after.UpsellVatAmount, after.UpsellAmount)

	// Order totals grew by exactly the upsell amount.
	assert.Equal(t, checkoutAmount+after.UpsellAmount, after.OrderAmount)

	// Charged off-session against the stored payment method.
	require.Len(t, f.payments.offSessions, 1)
	assert.Equal(t, "pm_1", f.payments.offSessions[0].PaymentMethodID)
	assert.Equal(t, "cus_1", f.payments.offSessions[0].CustomerID)

	require.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
	assert.Contains(t, f.recorder.eventTypes(), models.EventTypeCartUpsellPurchase)
}

func TestBuyUpsellReplaySafe(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	require.NoError(t, err)

	// A resubmitted page returns success without a second charge.
	result, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", result.PaymentStatus)
	assert.Len(t, f.payments.offSessions, 1)
	assert.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
}

func TestBuyUpsellChargeFailureReleasesClaim(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)
	f.payments.failCharge = true

	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	var providerErr *PaymentProviderError
	require.ErrorAs(t, err, &providerErr)

	// Claim handed back: still in upsellCreated with the receipt pending,
	// so decline or abandonment can resolve it.
	after := f.store.carts[cart.ID]
	assert.Equal(t, models.CartStageUpsellCreated, after.Stage)
	assert.False(t, after.ReceiptSent)

	require.NoError(t, f.svc.HandleUpsellAbandonment(context.Background(), cart.ID))
	assert.Equal(t, models.CartStageUpsellAbandoned, f.store.carts[cart.ID].Stage)
	assert.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
}

func TestBuyUpsellAfterResolved(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	require.NoError(t, f.svc.DeclineUpsell(context.Background(), cart.ID))

	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	assert.ErrorIs(t, err, ErrUpsellClosed)
	assert.Empty(t, f.payments.offSessions)
}

func TestBuyUpsellFanTimeout(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	// No conversion: the webhook never landed.

	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	assert.ErrorIs(t, err, ErrFanResolutionTimeout)
}

func TestDeclineUpsell(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	require.NoError(t, f.svc.DeclineUpsell(context.Background(), cart.ID))

	assert.Equal(t, models.CartStageUpsellDeclined, f.store.carts[cart.ID].Stage)
	require.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)

	// Idempotent: a repeat decline neither errors nor re-sends.
	require.NoError(t, f.svc.DeclineUpsell(context.Background(), cart.ID))
	assert.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
}

func TestAbandonmentRace(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	// Delayed task and sweep both fire; exactly one receipt goes out.
	require.NoError(t, f.svc.HandleUpsellAbandonment(context.Background(), cart.ID))
	require.NoError(t, f.svc.HandleUpsellAbandonment(context.Background(), cart.ID))

	assert.Equal(t, models.CartStageUpsellAbandoned, f.store.carts[cart.ID].Stage)
	assert.Len(t, f.tasks.ofType(models.TaskTypeSendReceipt), 1)
}

func TestSweepAbandoned(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	// Backdate past the upsell timeout.
	stale := time.Now().Add(-time.Hour)
	f.store.carts[cart.ID].UpsellCreatedAt = &stale

	abandoned := f.createCart(t, nil)
	f.store.carts[abandoned.ID].CreatedAt = time.Now().Add(-3 * time.Hour)

	require.NoError(t, f.svc.SweepAbandoned(context.Background()))

	assert.Equal(t, models.CartStageUpsellAbandoned, f.store.carts[cart.ID].Stage)
	assert.Equal(t, models.CartStageCheckoutAbandoned, f.store.carts[abandoned.ID].Stage)
	assert.Contains(t, f.recorder.eventTypes(), models.EventTypeCartAbandoned)
}

func TestSendReceipt(t *testing.T) {
	f := newFixture()
	f.store.funnels["fn1"].UpsellProductID = nil
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)

	require.NoError(t, f.svc.SendReceipt(context.Background(), cart.ID))

	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, "jane.doe@example.com", f.mail.sent[0].To)
	assert.Contains(t, f.mail.sent[0].Bcc, "support@janes.shop")
	assert.Contains(t, f.mail.sent[0].Body, "Order #1")
}

func TestSendReceiptFailureSurfacesForRetry(t *testing.T) {
	f := newFixture()
	f.store.funnels["fn1"].UpsellProductID = nil
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)
	f.mail.fail = true

	assert.Error(t, f.svc.SendReceipt(context.Background(), cart.ID))
}

func TestRefund(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)
	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Refund(context.Background(), cart.ID, "requested_by_customer"))

	after := f.store.carts[cart.ID]
	assert.True(t, after.Refunded)
	assert.True(t, after.Canceled)
	assert.Equal(t, after.CheckoutAmount+after.UpsellAmount, after.RefundedAmount)
	assert.Equal(t, []string{"ch_main", "ch_upsell"}, f.payments.refunds)
}

func TestRefundPartial(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, nil)
	f.convert(t, cart.ID)
	_, err := f.svc.BuyUpsell(context.Background(), cart.ID, nil)
	require.NoError(t, err)

	f.payments.failRefunds["ch_upsell"] = true

	err = f.svc.Refund(context.Background(), cart.ID, "fraudulent")
	var partial *PartialRefundError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, f.store.carts[cart.ID].CheckoutAmount, partial.RefundedAmount)

	// The main refund stands even though the upsell refund failed.
	assert.Equal(t, []string{"ch_main"}, f.payments.refunds)
	assert.True(t, f.store.carts[cart.ID].Refunded)
}

func TestCreateFulfillment(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, &CreateCartRequest{
		FunnelID: "fn1",
		AddBump:  true,
		ShipTo:   &ShipToInput{Name: "Amy", Street1: "2 Main St", City: "Austin", State: "TX", Zip: "78702", Country: "US"},
	})
	f.convert(t, cart.ID)

	result, err := f.svc.CreateFulfillment(context.Background(), cart.ID, &FulfillmentRequest{
		ProductIDs: []string{"prod_main"},
	})
	require.NoError(t, err)

	assert.False(t, result.FullyFulfilled)
	assert.Equal(t, "9400100000000000000000", result.Fulfillment.TrackingNumber)
	// First shipment absorbs everything the buyer paid for shipping.
	assert.Equal(t, f.store.carts[cart.ID].OrderShippingAmount, result.Fulfillment.ShippingCollected)
	require.Len(t, f.tasks.ofType(models.TaskTypeSendShippingUpdate), 1)

	second, err := f.svc.CreateFulfillment(context.Background(), cart.ID, &FulfillmentRequest{
		ProductIDs: []string{"prod_bump"},
	})
	require.NoError(t, err)
	assert.True(t, second.FullyFulfilled)
	assert.Equal(t, int64(0), second.Fulfillment.ShippingCollected)
}

func TestCreateFulfillmentRejectsForeignProduct(t *testing.T) {
	f := newFixture()
	cart := f.createCart(t, &CreateCartRequest{
		FunnelID: "fn1",
		ShipTo:   &ShipToInput{Zip: "78702", Country: "US"},
	})
	f.convert(t, cart.ID)

	_, err := f.svc.CreateFulfillment(context.Background(), cart.ID, &FulfillmentRequest{
		ProductIDs: []string{"prod_other"},
	})
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}
