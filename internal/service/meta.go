package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// MetaUserData is the hashed visitor match payload. Plaintext PII never
// leaves the process.
type MetaUserData struct {
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
	Em              []string `json:"em,omitempty"`
	Fbc             string   `json:"fbc,omitempty"`
	Fbp             string   `json:"fbp,omitempty"`
}

// MetaCustomData carries monetary context for purchase optimization.
type MetaCustomData struct {
	Currency string  `json:"currency,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// MetaEvent is one server-side conversion event.
type MetaEvent struct {
	EventName      string          `json:"event_name"`
	EventTime      int64           `json:"event_time"`
	EventSourceURL string          `json:"event_source_url,omitempty"`
	ActionSource   string          `json:"action_source"`
	UserData       MetaUserData    `json:"user_data"`
	CustomData     *MetaCustomData `json:"custom_data,omitempty"`
}

type metaRequest struct {
	Data []MetaEvent `json:"data"`
}

type metaResponse struct {
	EventsReceived int `json:"events_received"`
}

// MetaClient reports conversion events to the ad platform's server-side
// API. Always best effort; callers catch every failure.
type MetaClient struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewMetaClient creates a new conversion API client
func NewMetaClient(baseURL, apiVersion string) *MetaClient {
	return &MetaClient{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: util.GetLogger(),
	}
}

// ReportEvents pushes a batch of conversion events to a pixel. Returns
// whether the platform acknowledged them.
func (mc *MetaClient) ReportEvents(ctx context.Context, ep *models.AnalyticsEndpoint, events []MetaEvent) (bool, error) {
	if len(events) == 0 {
		return true, nil
	}

	payload, err := json.Marshal(metaRequest{Data: events})
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/%s/%s/events?access_token=%s", mc.baseURL, mc.apiVersion, ep.PixelID, ep.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := mc.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("conversion api returned %d", resp.StatusCode)
	}

	var out metaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, err
	}

	mc.logger.Debug("Conversion events reported",
		zap.String("pixel_id", ep.PixelID),
		zap.Int("sent", len(events)),
		zap.Int("received", out.EventsReceived))

	return out.EventsReceived > 0, nil
}

// hashIdentifier normalizes and hashes a match identifier the way the
// platform expects (lowercase, trimmed, sha256 hex).
func hashIdentifier(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// metaEventsFor maps one internal event to zero, one or two provider
// events. Purchases report both a branded custom event and the standard
// Purchase event so downstream optimization sees both.
func metaEventsFor(ev *models.AnalyticsEvent, email string) []MetaEvent {
	userData := MetaUserData{
		ClientIPAddress: ev.IP,
		ClientUserAgent: ev.UserAgent,
		Fbc:             ev.FbClickID,
		Fbp:             ev.FbBrowserID,
	}
	if email != "" {
		userData.Em = []string{hashIdentifier(email)}
	}

	base := MetaEvent{
		EventTime:      ev.Timestamp.Unix(),
		EventSourceURL: ev.LandingURL,
		ActionSource:   "website",
		UserData:       userData,
	}

	switch ev.EventType {
	case models.EventTypePageView, models.EventTypeBioView, models.EventTypeFmView, models.EventTypeCartViewCheckout:
		pv := base
		pv.EventName = "PageView"
		return []MetaEvent{pv}

	case models.EventTypeLinkClick, models.EventTypeBioButtonClick, models.EventTypeFmLinkClick:
		click := base
		click.EventName = "ViewContent"
		return []MetaEvent{click}

	case models.EventTypeCartPurchase, models.EventTypeCartUpsellPurchase:
		var value float64
		if ev.Cart != nil {
			if ev.EventType == models.EventTypeCartUpsellPurchase {
				value = float64(ev.Cart.UpsellAmount) / 100
			} else {
				value = float64(ev.Cart.CheckoutAmount) / 100
			}
		}
		custom := &MetaCustomData{Currency: "USD", Value: value}

		branded := base
		branded.EventName = "FunnelPurchase"
		branded.CustomData = custom

		standard := base
		standard.EventName = "Purchase"
		standard.CustomData = custom

		return []MetaEvent{branded, standard}
	}

	return nil
}
