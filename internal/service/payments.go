package service

import (
	"context"
	"math"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/refund"
	"go.uber.org/zap"
)

// StripePayments wraps the Stripe SDK: fee computation, live/sandbox
// connected-account routing and idempotency-key discipline.
type StripePayments struct {
	env    string
	logger *zap.Logger
}

// NewStripePayments creates the payment orchestrator. The secret key is
// process-wide; per-call routing happens through connected accounts.
func NewStripePayments(secretKey, env string) *StripePayments {
	stripe.Key = secretKey
	return &StripePayments{
		env:    env,
		logger: util.GetLogger(),
	}
}

// ConnectedAccount selects the workspace's account for the active
// environment. Live and sandbox accounts are strictly separated: a
// sandbox account is never charged in production and vice versa.
func (sp *StripePayments) ConnectedAccount(ws *models.Workspace) (string, error) {
	var account *string
	if sp.env == "production" {
		account = ws.StripeAccountID
	} else {
		account = ws.StripeTestAccountID
	}
	if account == nil || *account == "" {
		return "", ErrProviderAccountMissing
	}
	return *account, nil
}

// PlatformFee is the rounded percentage cut of the product amount only.
// VAT and shipping always pass through to the seller untaxed.
func PlatformFee(productAmount int64, feePercentage float64) int64 {
	return int64(math.Round(float64(productAmount) * feePercentage))
}

// ApplicationFee is what the platform collects on a charge: its fee plus
// the VAT and shipping it remits on the seller's behalf.
func ApplicationFee(productAmount, vatAmount, shippingAmount int64, feePercentage float64) int64 {
	return PlatformFee(productAmount, feePercentage) + vatAmount + shippingAmount
}

// Intent is the provider payment-intent handle returned to the client.
type Intent struct {
	ID           string
	ClientSecret string
}

// ChargeResult is the outcome of an immediately-confirmed intent.
type ChargeResult struct {
	IntentID string
	ChargeID string
}

// IntentParams creates the main checkout intent. The cart id is the
// idempotency key, so the same cart can never hold two main intents.
type IntentParams struct {
	AccountID      string
	Amount         int64
	ApplicationFee int64
	CartID         string
	PreChargeStage string
}

// CreateIntent creates the deferred-capture intent for the main charge.
func (sp *StripePayments) CreateIntent(ctx context.Context, p *IntentParams) (*Intent, error) {
	util.PaymentAttemptsTotal.Inc()

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(p.Amount),
		Currency:             stripe.String(string(stripe.CurrencyUSD)),
		ApplicationFeeAmount: stripe.Int64(p.ApplicationFee),
		SetupFutureUsage:     stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
	}
	params.Context = ctx
	params.SetStripeAccount(p.AccountID)
	params.SetIdempotencyKey(p.CartID)
	params.AddMetadata("cartId", p.CartID)
	params.AddMetadata("preChargeStage", p.PreChargeStage)

	pi, err := paymentintent.New(params)
	if err != nil {
		util.PaymentFailuresTotal.WithLabelValues("create_intent").Inc()
		return nil, &PaymentProviderError{Op: "create intent", Err: err}
	}

	sp.logger.Info("Payment intent created",
		zap.String("cart_id", p.CartID),
		zap.String("intent_id", pi.ID),
		zap.Int64("amount", p.Amount))

	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// ResizeIntent updates the existing intent to the recomputed checkout
// amount. Same intent id; a second intent is never created for a cart.
func (sp *StripePayments) ResizeIntent(ctx context.Context, accountID, intentID string, amount, applicationFee int64) error {
	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(amount),
		ApplicationFeeAmount: stripe.Int64(applicationFee),
	}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	if _, err := paymentintent.Update(intentID, params); err != nil {
		util.PaymentFailuresTotal.WithLabelValues("resize_intent").Inc()
		return &PaymentProviderError{Op: "resize intent", Err: err}
	}
	return nil
}

// OffSessionParams creates and confirms the upsell charge against the
// stored payment method. Stripe assigns its own id; replay safety for
// the upsell comes from the stage machine, not an idempotency key.
type OffSessionParams struct {
	AccountID       string
	Amount          int64
	ApplicationFee  int64
	CustomerID      string
	PaymentMethodID string
	CartID          string
	PreChargeStage  string
}

// ConfirmOffSession charges the saved payment method immediately.
func (sp *StripePayments) ConfirmOffSession(ctx context.Context, p *OffSessionParams) (*ChargeResult, error) {
	util.PaymentAttemptsTotal.Inc()

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(p.Amount),
		Currency:             stripe.String(string(stripe.CurrencyUSD)),
		ApplicationFeeAmount: stripe.Int64(p.ApplicationFee),
		Customer:             stripe.String(p.CustomerID),
		PaymentMethod:        stripe.String(p.PaymentMethodID),
		Confirm:              stripe.Bool(true),
		OffSession:           stripe.Bool(true),
	}
	params.Context = ctx
	params.SetStripeAccount(p.AccountID)
	params.AddMetadata("cartId", p.CartID)
	params.AddMetadata("preChargeStage", p.PreChargeStage)

	pi, err := paymentintent.New(params)
	if err != nil {
		util.PaymentFailuresTotal.WithLabelValues("confirm_upsell").Inc()
		return nil, &PaymentProviderError{Op: "confirm upsell", Err: err}
	}

	result := &ChargeResult{IntentID: pi.ID}
	if pi.LatestCharge != nil {
		result.ChargeID = pi.LatestCharge.ID
	}

	sp.logger.Info("Upsell charge confirmed",
		zap.String("cart_id", p.CartID),
		zap.String("intent_id", pi.ID),
		zap.Int64("amount", p.Amount))

	return result, nil
}

// Refund refunds a single charge. Callers refund the main and upsell
// charges as independent operations.
func (sp *StripePayments) Refund(ctx context.Context, accountID, chargeID, reason string) error {
	params := &stripe.RefundParams{
		Charge: stripe.String(chargeID),
	}
	if reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	if _, err := refund.New(params); err != nil {
		util.PaymentFailuresTotal.WithLabelValues("refund").Inc()
		return &PaymentProviderError{Op: "refund", Err: err}
	}

	sp.logger.Info("Charge refunded", zap.String("charge_id", chargeID))
	return nil
}

// feePercentage resolves the effective platform cut: funnel override,
// then workspace rate, then the platform default.
func feePercentage(funnel *models.CartFunnel, ws *models.Workspace, platformDefault float64) float64 {
	if funnel.FeePercentageOverride != nil {
		return *funnel.FeePercentageOverride
	}
	if ws.FeePercentage > 0 {
		return ws.FeePercentage
	}
	return platformDefault
}
