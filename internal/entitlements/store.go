// Package entitlements answers what a user has bought: their orders, the
// highest tier among them, and whether that tier unlocks a feature.
package entitlements

import (
	"context"
	"fmt"

	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// OrderSource lists a user's orders, most recent first.
type OrderSource interface {
	ListOrdersByUser(ctx context.Context, userID string) ([]*registry.Order, error)
}

// Store is the canonical entitlement evaluator used by the gateway and the
// account endpoints.
type Store struct {
	source  OrderSource
	catalog *plans.Catalog
}

// NewStore creates a Store over source. A nil catalog uses the defaults.
func NewStore(source OrderSource, catalog *plans.Catalog) *Store {
	if catalog == nil {
		catalog = plans.DefaultCatalog()
	}
	return &Store{source: source, catalog: catalog}
}

// Catalog returns the plan catalog the store evaluates against.
func (s *Store) Catalog() *plans.Catalog {
	return s.catalog
}

// ListOrders returns the user's orders, most recent first.
func (s *Store) ListOrders(ctx context.Context, userID string) ([]*registry.Order, error) {
	orders, err := s.source.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", userID, err)
	}
	return orders, nil
}

// HighestTier returns the maximum tier by rank over the user's orders.
// The boolean is false when the user has no orders.
func (s *Store) HighestTier(ctx context.Context, userID string) (plans.Tier, bool, error) {
	orders, err := s.ListOrders(ctx, userID)
	if err != nil {
		return "", false, err
	}
	tier, ok := HighestTierOf(orders)
	return tier, ok, nil
}

// HighestTierOf returns the maximum tier by rank over orders.
func HighestTierOf(orders []*registry.Order) (plans.Tier, bool) {
	var best plans.Tier
	for _, o := range orders {
		if o == nil {
			continue
		}
		if plans.Rank(o.Tier) == 0 {
			continue
		}
		best = plans.Higher(best, o.Tier)
	}
	return best, best != ""
}

// CanUseFeature reports whether the user's highest tier includes feature.
// Users without orders and unrecognized features are denied.
func (s *Store) CanUseFeature(ctx context.Context, userID, feature string) (bool, error) {
	tier, ok, err := s.HighestTier(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return s.catalog.HasFeature(tier, feature), nil
}
