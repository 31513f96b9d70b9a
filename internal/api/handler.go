package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/service"
	"funnel-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	cartService  *service.CartService
	eventService *service.EventService
}

// NewHandler creates a new HTTP handler
func NewHandler(cartService *service.CartService, eventService *service.EventService) *Handler {
	return &Handler{
		cartService:  cartService,
		eventService: eventService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/carts", h.createCart)
		v1.GET("/carts/:id", h.getCart)
		v1.PATCH("/carts/:id/checkout", h.updateCheckout)
		v1.POST("/carts/:id/upsell", h.buyUpsell)
		v1.POST("/carts/:id/upsell/decline", h.declineUpsell)
		v1.POST("/carts/:id/refund", h.refundCart)
		v1.POST("/carts/:id/fulfillments", h.createFulfillment)
		v1.POST("/events", h.recordEvent)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// visitorFromRequest builds the visitor/attribution snapshot once at the
// edge. Everything downstream treats it as an opaque value.
func visitorFromRequest(c *gin.Context) models.VisitorContext {
	ua := c.Request.UserAgent()
	return models.VisitorContext{
		IP:          c.ClientIP(),
		SessionID:   c.GetHeader("X-Session-Id"),
		UserAgent:   ua,
		Referer:     c.Request.Referer(),
		LandingURL:  c.GetHeader("X-Landing-Url"),
		GeoCountry:  c.GetHeader("X-Geo-Country"),
		GeoRegion:   c.GetHeader("X-Geo-Region"),
		GeoCity:     c.GetHeader("X-Geo-City"),
		FbClickID:   c.Query("fbclid"),
		FbBrowserID: fbBrowserID(c),
		IsBot:       isBotUserAgent(ua),
	}
}

func fbBrowserID(c *gin.Context) string {
	if cookie, err := c.Cookie("_fbp"); err == nil {
		return cookie
	}
	return ""
}

var botMarkers = []string{"bot", "crawler", "spider", "curl", "headless", "facebookexternalhit", "preview"}

func isBotUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// createCart handles checkout creation
func (h *Handler) createCart(c *gin.Context) {
	var req service.CreateCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.Visitor = visitorFromRequest(c)

	resp, err := h.cartService.CreateCart(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getCart handles the client's convergence poll after payment
func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.cartService.GetCart(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Cart not found",
		})
		return
	}

	c.JSON(http.StatusOK, cart)
}

// updateCheckout handles pre-conversion checkout edits
func (h *Handler) updateCheckout(c *gin.Context) {
	var req service.CheckoutUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.cartService.UpdateCheckoutFromClient(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, cart)
}

type buyUpsellRequest struct {
	ApparelSize *string `json:"apparel_size,omitempty"`
}

// buyUpsell handles the one-click upsell purchase
func (h *Handler) buyUpsell(c *gin.Context) {
	var req buyUpsellRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.cartService.BuyUpsell(c.Request.Context(), c.Param("id"), req.ApparelSize)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// declineUpsell handles the upsell decline
func (h *Handler) declineUpsell(c *gin.Context) {
	if err := h.cartService.DeclineUpsell(c.Request.Context(), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "declined"})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// refundCart handles seller-initiated refunds
func (h *Handler) refundCart(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.cartService.Refund(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		var partial *service.PartialRefundError
		if errors.As(err, &partial) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":           "Upsell refund failed",
				"refunded_amount": partial.RefundedAmount,
				"details":         partial.Error(),
			})
			return
		}
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// createFulfillment handles seller shipment creation
func (h *Handler) createFulfillment(c *gin.Context) {
	var req service.FulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.cartService.CreateFulfillment(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type recordEventRequest struct {
	WorkspaceID string `json:"workspace_id"`
	AssetType   string `json:"asset_type"`
	AssetID     string `json:"asset_id"`
	SubEntityID string `json:"sub_entity_id"`
	EventType   string `json:"event_type"`
}

// recordEvent is the shared surface-event endpoint: link clicks, bio and
// fm views, page views.
func (h *Handler) recordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.WorkspaceID == "" || req.AssetID == "" || req.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "workspace_id, asset_id and event_type are required",
		})
		return
	}

	outcome, err := h.eventService.RecordEvent(c.Request.Context(), &service.RecordEventInput{
		WorkspaceID: req.WorkspaceID,
		AssetType:   req.AssetType,
		AssetID:     req.AssetID,
		SubEntityID: req.SubEntityID,
		EventType:   req.EventType,
		Visitor:     visitorFromRequest(c),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to record event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"outcome": outcome})
}

// renderError maps service errors onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	var validation *service.ValidationError
	var provider *service.PaymentProviderError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validation.Error(),
		})
	case errors.Is(err, service.ErrCartLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Cart has already converted",
		})
	case errors.Is(err, service.ErrUpsellClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Upsell window is closed",
		})
	case errors.Is(err, service.ErrFanResolutionTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error": "Payment confirmation is still pending, retry shortly",
		})
	case errors.Is(err, service.ErrProviderAccountMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Workspace has no payment account for this environment",
		})
	case errors.As(err, &provider):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "Payment failed",
			"details": provider.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
