package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// WarehouseClient writes normalized events into the append-only
// analytics store. Write-once; there is no update or delete path.
type WarehouseClient struct {
	ingestURL  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWarehouseClient creates a new warehouse ingest client
func NewWarehouseClient(ingestURL, token string) *WarehouseClient {
	return &WarehouseClient{
		ingestURL: ingestURL,
		token:     token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: util.GetLogger(),
	}
}

type ingestResponse struct {
	SuccessfulRows  int `json:"successful_rows"`
	QuarantinedRows int `json:"quarantined_rows"`
}

// Ingest appends one event row. Quarantined rows are an operational
// alert, never a user-facing error.
func (wc *WarehouseClient) Ingest(ctx context.Context, ev *models.AnalyticsEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.ingestURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+wc.token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := wc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("warehouse ingest returned %d", resp.StatusCode)
	}

	var out ingestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some ingest endpoints return an empty body on accept.
		return nil
	}

	if out.QuarantinedRows > 0 {
		util.SinkFailuresTotal.WithLabelValues("warehouse_quarantine").Inc()
		wc.logger.Warn("Warehouse quarantined event rows",
			zap.Int("quarantined", out.QuarantinedRows),
			zap.String("event_type", ev.EventType),
			zap.String("workspace_id", ev.WorkspaceID))
	}

	return nil
}
