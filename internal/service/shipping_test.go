package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCheapest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shipments/", r.URL.Path)
		assert.Equal(t, "ShippoToken test-key", r.Header.Get("Authorization"))

		var req shipmentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Parcels, 1)
		assert.Equal(t, "0.500", req.Parcels[0].Weight)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rates": []map[string]interface{}{
				{
					"object_id":      "rate_expensive",
					"provider":       "fedex",
					"servicelevel":   map[string]string{"name": "Overnight"},
					"amount":         "24.10",
					"estimated_days": 1,
				},
				{
					"object_id":      "rate_cheap",
					"provider":       "usps",
					"servicelevel":   map[string]string{"name": "Priority"},
					"amount":         "6.55",
					"estimated_days": 3,
				},
			},
		})
	}))
	defer srv.Close()

	sc := NewShippingClient("test-key", srv.URL)

	rate, err := sc.EstimateCheapest(context.Background(), Address{Zip: "78701"}, Address{Zip: "10115"}, 500)
	require.NoError(t, err)

	assert.Equal(t, "rate_cheap", rate.RateID)
	assert.Equal(t, "usps", rate.Carrier)
	assert.Equal(t, int64(655), rate.Amount)
}

func TestEstimateCheapestNoRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"rates": []interface{}{}})
	}))
	defer srv.Close()

	sc := NewShippingClient("test-key", srv.URL)

	_, err := sc.EstimateCheapest(context.Background(), Address{}, Address{}, 500)
	assert.Error(t, err)
}

func TestPurchaseLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/", r.URL.Path)

		var req transactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rate_cheap", req.Rate)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":                "SUCCESS",
			"tracking_number":       "9400100000000000000000",
			"tracking_url_provider": "https://tools.usps.com/track",
			"label_url":             "https://example.com/label.pdf",
			"rate": map[string]interface{}{
				"provider":     "usps",
				"amount":       "6.55",
				"servicelevel": map[string]string{"name": "Priority"},
			},
		})
	}))
	defer srv.Close()

	sc := NewShippingClient("test-key", srv.URL)

	label, err := sc.PurchaseLabel(context.Background(), "rate_cheap")
	require.NoError(t, err)

	assert.Equal(t, "9400100000000000000000", label.TrackingNumber)
	assert.Equal(t, int64(655), label.Cost)
	assert.Equal(t, "Priority", label.ServiceLevel)
}

func TestPurchaseLabelFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ERROR",
			"messages": []map[string]string{{"text": "address not found"}},
		})
	}))
	defer srv.Close()

	sc := NewShippingClient("test-key", srv.URL)

	_, err := sc.PurchaseLabel(context.Background(), "rate_bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address not found")
}

func TestParseMoney(t *testing.T) {
	assert.Equal(t, int64(655), parseMoney("6.55"))
	assert.Equal(t, int64(600), parseMoney("6"))
	assert.Equal(t, int64(0), parseMoney("not-a-number"))
}
