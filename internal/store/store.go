package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"funnel-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection; used by tests.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetWorkspaceByID retrieves a workspace by ID
func (s *Store) GetWorkspaceByID(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.GetContext(ctx, &ws, "SELECT * FROM workspaces WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetFunnelByID retrieves a cart funnel by ID
func (s *Store) GetFunnelByID(ctx context.Context, id string) (*models.CartFunnel, error) {
	var funnel models.CartFunnel
	err := s.db.GetContext(ctx, &funnel, "SELECT * FROM cart_funnels WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("funnel not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &funnel, nil
}

// GetFunnelByHandleAndKey resolves the tenant-scoped funnel route.
func (s *Store) GetFunnelByHandleAndKey(ctx context.Context, handle, key string) (*models.CartFunnel, error) {
	var funnel models.CartFunnel
	err := s.db.GetContext(ctx, &funnel, `
		SELECT f.* FROM cart_funnels f
		JOIN workspaces w ON w.id = f.workspace_id
		WHERE w.handle = $1 AND f.key = $2`, handle, key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("funnel not found: %s/%s", handle, key)
	}
	if err != nil {
		return nil, err
	}
	return &funnel, nil
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetAnalyticsEndpoint looks up the workspace's credential for an ad
// platform. A missing row means the workspace does not forward there.
func (s *Store) GetAnalyticsEndpoint(ctx context.Context, workspaceID, platform string) (*models.AnalyticsEndpoint, error) {
	var ep models.AnalyticsEndpoint
	err := s.db.GetContext(ctx, &ep,
		"SELECT * FROM analytics_endpoints WHERE workspace_id = $1 AND platform = $2", workspaceID, platform)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// AddAssetValue bumps a value-attribution counter on an originating
// asset. Atomic add, never read-modify-write; each asset is its own
// statement and callers treat failures independently.
func (s *Store) AddAssetValue(ctx context.Context, assetType, assetID string, delta int64) error {
	var query string
	switch assetType {
	case models.AssetTypeCartFunnel:
		query = "UPDATE cart_funnels SET conversion_count = conversion_count + 1, conversion_value = conversion_value + $1, updated_at = NOW() WHERE id = $2"
	case models.AssetTypeLandingPage:
		query = "UPDATE landing_pages SET conversion_value = conversion_value + $1 WHERE id = $2"
	case models.AssetTypeBroadcast:
		query = "UPDATE email_broadcasts SET conversion_value = conversion_value + $1 WHERE id = $2"
	case models.AssetTypeAdTemplate:
		query = "UPDATE ad_templates SET conversion_value = conversion_value + $1 WHERE id = $2"
	case models.AssetTypeAutomationStep:
		query = "UPDATE automation_steps SET conversion_value = conversion_value + $1 WHERE id = $2"
	default:
		return fmt.Errorf("no value counter for asset type %q", assetType)
	}

	_, err := s.db.ExecContext(ctx, query, delta, assetID)
	return err
}

// AddAssetClick bumps a click/view counter on a surface asset.
func (s *Store) AddAssetClick(ctx context.Context, assetType, assetID string) error {
	var query string
	switch assetType {
	case models.AssetTypeLink:
		query = "UPDATE links SET click_count = click_count + 1 WHERE id = $1"
	case models.AssetTypeBio:
		query = "UPDATE bios SET view_count = view_count + 1 WHERE id = $1"
	case models.AssetTypeFm:
		query = "UPDATE fm_pages SET view_count = view_count + 1 WHERE id = $1"
	case models.AssetTypeLandingPage:
		query = "UPDATE landing_pages SET view_count = view_count + 1 WHERE id = $1"
	default:
		// Funnels/broadcasts count through AddAssetValue instead.
		return nil
	}

	_, err := s.db.ExecContext(ctx, query, assetID)
	return err
}

// IsEventProcessed checks if a provider webhook event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a provider webhook event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
