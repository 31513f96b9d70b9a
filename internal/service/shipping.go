package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// Address is a shipping endpoint in the rate provider's shape.
type Address struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// Rate is one carrier quote, amounts in cents.
type Rate struct {
	RateID        string
	Carrier       string
	ServiceLevel  string
	Amount        int64
	EstimatedDays int
}

// Label is a purchased shipping label.
type Label struct {
	Carrier        string
	ServiceLevel   string
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
	Cost           int64
}

// ShippingClient wraps the external rate/label API.
type ShippingClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewShippingClient creates a new shipping client
func NewShippingClient(apiKey, baseURL string) *ShippingClient {
	return &ShippingClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: util.GetLogger(),
	}
}

type shipmentParcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

type shipmentRequest struct {
	AddressFrom Address          `json:"address_from"`
	AddressTo   Address          `json:"address_to"`
	Parcels     []shipmentParcel `json:"parcels"`
	Async       bool             `json:"async"`
}

type shipmentRate struct {
	ObjectID     string `json:"object_id"`
	Provider     string `json:"provider"`
	ServiceLevel struct {
		Name string `json:"name"`
	} `json:"servicelevel"`
	Amount        string `json:"amount"`
	EstimatedDays int    `json:"estimated_days"`
}

type shipmentResponse struct {
	Rates []shipmentRate `json:"rates"`
}

type transactionRequest struct {
	Rate          string `json:"rate"`
	Async         bool   `json:"async"`
	LabelFileType string `json:"label_file_type"`
}

type transactionResponse struct {
	Status              string `json:"status"`
	TrackingNumber      string `json:"tracking_number"`
	TrackingURLProvider string `json:"tracking_url_provider"`
	LabelURL            string `json:"label_url"`
	Rate                struct {
		Provider     string `json:"provider"`
		Amount       string `json:"amount"`
		ServiceLevel struct {
			Name string `json:"name"`
		} `json:"servicelevel"`
	} `json:"rate"`
	Messages []struct {
		Text string `json:"text"`
	} `json:"messages"`
}

// EstimateRates quotes a shipment and returns rates sorted ascending by
// price.
func (sc *ShippingClient) EstimateRates(ctx context.Context, from, to Address, weightGrams int64) ([]Rate, error) {
	reqBody := shipmentRequest{
		AddressFrom: from,
		AddressTo:   to,
		Parcels: []shipmentParcel{
			{
				Length:       "15",
				Width:        "15",
				Height:       "5",
				DistanceUnit: "cm",
				Weight:       fmt.Sprintf("%.3f", float64(weightGrams)/1000),
				MassUnit:     "kg",
			},
		},
		Async: false,
	}

	var resp shipmentResponse
	if err := sc.doRequest(ctx, http.MethodPost, "/shipments/", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("estimate rates: %w", err)
	}

	rates := make([]Rate, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		rates = append(rates, Rate{
			RateID:        r.ObjectID,
			Carrier:       r.Provider,
			ServiceLevel:  r.ServiceLevel.Name,
			Amount:        parseMoney(r.Amount),
			EstimatedDays: r.EstimatedDays,
		})
	}

	sort.Slice(rates, func(i, j int) bool { return rates[i].Amount < rates[j].Amount })
	return rates, nil
}

// EstimateCheapest returns the lowest rate for the shipment. The funnel
// always charges the buyer the cheapest option.
func (sc *ShippingClient) EstimateCheapest(ctx context.Context, from, to Address, weightGrams int64) (*Rate, error) {
	rates, err := sc.EstimateRates(ctx, from, to, weightGrams)
	if err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no rates returned for %s -> %s", from.Zip, to.Zip)
	}
	return &rates[0], nil
}

// PurchaseLabel buys a label for a previously quoted rate.
func (sc *ShippingClient) PurchaseLabel(ctx context.Context, rateID string) (*Label, error) {
	reqBody := transactionRequest{
		Rate:          rateID,
		Async:         false,
		LabelFileType: "PDF",
	}

	var resp transactionResponse
	if err := sc.doRequest(ctx, http.MethodPost, "/transactions/", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("purchase label: %w", err)
	}

	if resp.Status != "SUCCESS" {
		msg := "unknown"
		if len(resp.Messages) > 0 {
			msg = resp.Messages[0].Text
		}
		return nil, fmt.Errorf("label purchase failed: %s", msg)
	}

	return &Label{
		Carrier:        resp.Rate.Provider,
		ServiceLevel:   resp.Rate.ServiceLevel.Name,
		TrackingNumber: resp.TrackingNumber,
		TrackingURL:    resp.TrackingURLProvider,
		LabelURL:       resp.LabelURL,
		Cost:           parseMoney(resp.Rate.Amount),
	}, nil
}

func (sc *ShippingClient) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "ShippoToken "+sc.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		sc.logger.Warn("Shipping API error",
			zap.Int("status", resp.StatusCode),
			zap.String("path", path))
		return fmt.Errorf("shipping api returned %d", resp.StatusCode)
	}

	return json.Unmarshal(raw, out)
}

// parseMoney converts the provider's decimal string to cents.
func parseMoney(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f*100 + 0.5)
}
