package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// Outcome is the result of a RecordEvent call. Skips are not errors;
// metered overage and dedup must never break the buyer-facing flow.
type Outcome string

const (
	OutcomeRecorded         Outcome = "recorded"
	OutcomeSkippedBot       Outcome = "skippedBot"
	OutcomeSkippedDuplicate Outcome = "skippedDuplicate"
	OutcomeSkippedQuota     Outcome = "skippedQuota"
)

// eventGate is the shared sliding-window and usage-counter backend.
type eventGate interface {
	AllowEvent(ctx context.Context, key string, window time.Duration) (bool, error)
	GetUsage(ctx context.Context, workspaceID string, at time.Time) (int64, error)
	IncrUsage(ctx context.Context, workspaceID string, at time.Time, n int64) (int64, error)
}

// adSink forwards conversion events to the ad platform.
type adSink interface {
	ReportEvents(ctx context.Context, ep *models.AnalyticsEndpoint, events []MetaEvent) (bool, error)
}

// warehouseSink appends normalized events to the analytics store.
type warehouseSink interface {
	Ingest(ctx context.Context, ev *models.AnalyticsEvent) error
}

// eventStore is the slice of the store the recorder needs.
type eventStore interface {
	GetWorkspaceByID(ctx context.Context, id string) (*models.Workspace, error)
	GetAnalyticsEndpoint(ctx context.Context, workspaceID, platform string) (*models.AnalyticsEndpoint, error)
	AddAssetClick(ctx context.Context, assetType, assetID string) error
}

// EventService is the single entry point every product surface records
// through: link clicks, bio/fm/page views and cart transitions alike.
type EventService struct {
	store      eventStore
	gate       eventGate
	adSink     adSink
	warehouse  warehouseSink
	rateWindow time.Duration
	planLimit  int64
	logger     *zap.Logger
}

// NewEventService creates a new event service
func NewEventService(
	store eventStore,
	gate eventGate,
	adSink adSink,
	warehouse warehouseSink,
	rateWindow time.Duration,
	planLimit int64,
) *EventService {
	return &EventService{
		store:      store,
		gate:       gate,
		adSink:     adSink,
		warehouse:  warehouse,
		rateWindow: rateWindow,
		planLimit:  planLimit,
		logger:     util.GetLogger(),
	}
}

// RecordEventInput describes one event against one asset.
type RecordEventInput struct {
	WorkspaceID string
	AssetType   string
	AssetID     string
	SubEntityID string
	EventType   string
	Visitor     models.VisitorContext
	// Email improves ad-platform matching on purchase events.
	Email string
	Cart  *models.CartEventPayload
}

// dedupKey collapses bursts from one visitor on one asset and type.
func (in *RecordEventInput) dedupKey() string {
	key := fmt.Sprintf("%s:%s:%s", in.Visitor.Identity(), in.AssetID, in.EventType)
	if in.SubEntityID != "" {
		key = key + ":" + in.SubEntityID
	}
	return key
}

// RecordEvent runs the pipeline: bot filter, dedup gate, quota guard, ad
// fan-out, warehouse ingestion, counters. The two sinks are independent
// and both best-effort: an ad API outage never blocks internal
// analytics, and a warehouse outage never blocks ad attribution.
func (es *EventService) RecordEvent(ctx context.Context, in *RecordEventInput) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "EventService.RecordEvent")
	defer span.End()

	if in.Visitor.IsBot {
		util.EventsSkippedTotal.WithLabelValues("bot").Inc()
		return OutcomeSkippedBot, nil
	}

	allowed, err := es.gate.AllowEvent(ctx, in.dedupKey(), es.rateWindow)
	if err != nil {
		return "", fmt.Errorf("rate gate failed: %w", err)
	}
	if !allowed {
		util.EventsSkippedTotal.WithLabelValues("duplicate").Inc()
		return OutcomeSkippedDuplicate, nil
	}

	now := time.Now()

	ws, err := es.store.GetWorkspaceByID(ctx, in.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("failed to load workspace: %w", err)
	}

	usage, err := es.gate.GetUsage(ctx, in.WorkspaceID, now)
	if err != nil {
		return "", fmt.Errorf("failed to read usage: %w", err)
	}
	if limit := ws.EventLimit(es.planLimit); usage >= limit {
		util.QuotaRejectionsTotal.Inc()
		es.logger.Warn("Workspace over event quota",
			zap.String("workspace_id", in.WorkspaceID),
			zap.Int64("usage", usage),
			zap.Int64("limit", limit))
		return OutcomeSkippedQuota, nil
	}

	event := es.normalize(in, now)

	reported := es.fanOutToAdPlatform(ctx, in, event)

	if err := es.warehouse.Ingest(ctx, event); err != nil {
		util.SinkFailuresTotal.WithLabelValues("warehouse").Inc()
		es.logger.Error("Warehouse ingestion failed",
			zap.String("event_type", in.EventType),
			zap.String("workspace_id", in.WorkspaceID),
			zap.Error(err))
	}

	if _, err := es.gate.IncrUsage(ctx, in.WorkspaceID, now, 1); err != nil {
		es.logger.Error("Failed to increment usage counter",
			zap.String("workspace_id", in.WorkspaceID),
			zap.Error(err))
	}

	if isClickOrView(in.EventType) {
		if err := es.store.AddAssetClick(ctx, in.AssetType, in.AssetID); err != nil {
			es.logger.Error("Failed to increment asset counter",
				zap.String("asset_id", in.AssetID),
				zap.Error(err))
		}
	}

	util.EventsRecordedTotal.WithLabelValues(in.EventType).Inc()
	es.logger.Debug("Event recorded",
		zap.String("event_type", in.EventType),
		zap.String("asset_id", in.AssetID),
		zap.Bool("ad_reported", reported))

	return OutcomeRecorded, nil
}

// fanOutToAdPlatform forwards the event when the workspace has a
// credentialed endpoint. Awaited, but every failure is caught here and
// recorded as reported=false.
func (es *EventService) fanOutToAdPlatform(ctx context.Context, in *RecordEventInput, event *models.AnalyticsEvent) bool {
	ep, err := es.store.GetAnalyticsEndpoint(ctx, in.WorkspaceID, models.AdPlatformMeta)
	if err != nil {
		es.logger.Error("Failed to look up analytics endpoint", zap.Error(err))
		return false
	}
	if ep == nil || !ep.Enabled || ep.PixelID == "" {
		return false
	}

	events := metaEventsFor(event, in.Email)
	if len(events) == 0 {
		return false
	}

	reported, err := es.adSink.ReportEvents(ctx, ep, events)
	if err != nil {
		util.SinkFailuresTotal.WithLabelValues("ad_platform").Inc()
		es.logger.Warn("Ad conversion fan-out failed",
			zap.String("workspace_id", in.WorkspaceID),
			zap.String("event_type", in.EventType),
			zap.Error(err))
		return false
	}
	return reported
}

// normalize flattens the visitor snapshot into the warehouse row.
func (es *EventService) normalize(in *RecordEventInput, at time.Time) *models.AnalyticsEvent {
	return &models.AnalyticsEvent{
		Timestamp:   at,
		WorkspaceID: in.WorkspaceID,
		AssetType:   in.AssetType,
		AssetID:     in.AssetID,
		SubEntityID: in.SubEntityID,
		SessionID:   in.Visitor.SessionID,
		EventType:   in.EventType,
		IP:          in.Visitor.IP,
		UserAgent:   in.Visitor.UserAgent,
		Referer:     in.Visitor.Referer,
		LandingURL:  in.Visitor.LandingURL,
		GeoCountry:  in.Visitor.GeoCountry,
		GeoRegion:   in.Visitor.GeoRegion,
		GeoCity:     in.Visitor.GeoCity,
		FbClickID:   in.Visitor.FbClickID,
		FbBrowserID: in.Visitor.FbBrowserID,
		Cart:        in.Cart,
	}
}

// isClickOrView reports whether the event bumps a per-asset counter.
func isClickOrView(eventType string) bool {
	return strings.HasPrefix(eventType, "link") ||
		strings.HasPrefix(eventType, "bio") ||
		strings.HasPrefix(eventType, "fm") ||
		eventType == models.EventTypePageView
}
