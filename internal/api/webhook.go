package api

import (
	"encoding/json"
	"io"
	"net/http"

	"funnel-service/internal/models"
	"funnel-service/internal/service"
	"funnel-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// WebhookHandler receives Stripe webhook deliveries. The webhook is the
// sole authority for conversion; client callbacks never advance a cart.
type WebhookHandler struct {
	cartService   *service.CartService
	signingSecret string
	logger        *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(cartService *service.CartService, signingSecret string) *WebhookHandler {
	return &WebhookHandler{
		cartService:   cartService,
		signingSecret: signingSecret,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes registers the webhook endpoint
func (wh *WebhookHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/webhooks/stripe", wh.handleStripe)
}

// handleStripe verifies the signature and dispatches the event. A
// handling failure returns non-2xx so Stripe redelivers; the dedup
// record and stage compare-and-swaps make redelivery safe.
func (wh *WebhookHandler) handleStripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), wh.signingSecret)
	if err != nil {
		wh.logger.Warn("Stripe webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	wh.logger.Info("Processing Stripe webhook",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID))

	switch event.Type {
	case "payment_intent.succeeded":
		if err := wh.handleIntentSucceeded(c, event); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
	default:
		wh.logger.Info("Unhandled webhook event type", zap.String("event_type", string(event.Type)))
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (wh *WebhookHandler) handleIntentSucceeded(c *gin.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		wh.logger.Error("Failed to unmarshal payment intent", zap.Error(err))
		return err
	}

	cartID := pi.Metadata["cartId"]
	preChargeStage := pi.Metadata["preChargeStage"]
	if cartID == "" {
		wh.logger.Warn("Payment intent without cart metadata",
			zap.String("payment_intent_id", pi.ID))
		return nil
	}

	// Upsell intents are confirmed synchronously and their outcome is
	// recorded on the cart at confirm time, so the success webhook
	// carries nothing to reconcile. Acknowledge it without touching
	// the cart.
	if preChargeStage == models.CartStageUpsellCreated {
		return nil
	}

	notification := &service.ChargeNotification{
		EventID:         event.ID,
		CartID:          cartID,
		PreChargeStage:  preChargeStage,
		PaymentIntentID: pi.ID,
	}
	if pi.PaymentMethod != nil {
		notification.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.Customer != nil {
		notification.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		notification.ChargeID = pi.LatestCharge.ID
		if pi.LatestCharge.BillingDetails != nil {
			notification.Email = pi.LatestCharge.BillingDetails.Email
			notification.Name = pi.LatestCharge.BillingDetails.Name
		}
	}
	if notification.Email == "" && pi.ReceiptEmail != "" {
		notification.Email = pi.ReceiptEmail
	}

	if err := wh.cartService.ReconcilePaymentSuccess(c.Request.Context(), notification); err != nil {
		wh.logger.Error("Failed to reconcile payment success",
			zap.String("cart_id", cartID),
			zap.Error(err))
		return err
	}
	return nil
}
