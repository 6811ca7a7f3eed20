// Package usage derives how many generations a user has left from their
// highest purchased tier and their generation records.
package usage

import (
	"context"
	"fmt"
	"math"

	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// TierSource resolves a user's highest purchased tier.
type TierSource interface {
	HighestTier(ctx context.Context, userID string) (plans.Tier, bool, error)
}

// Ledger is the generation-record storage the counter reads and reserves against.
type Ledger interface {
	CountGenerationsByUser(ctx context.Context, userID string) (int, error)
	ReserveGeneration(ctx context.Context, g *registry.Generation, limit int) (bool, error)
	CompleteGeneration(ctx context.Context, id, originalURL, resultURL string) error
	DeleteGeneration(ctx context.Context, id string) error
}

// Counter computes remaining generations. Usage is counted over the user's
// whole history; buying a higher tier raises the ceiling, it does not reset
// the count.
type Counter struct {
	tiers   TierSource
	ledger  Ledger
	catalog *plans.Catalog
}

// NewCounter creates a Counter. A nil catalog uses the defaults.
func NewCounter(tiers TierSource, ledger Ledger, catalog *plans.Catalog) *Counter {
	if catalog == nil {
		catalog = plans.DefaultCatalog()
	}
	return &Counter{tiers: tiers, ledger: ledger, catalog: catalog}
}

// Remaining returns max(0, quota(highest tier) - generation count). Users
// without orders have zero remaining; unlimited tiers stay unlimited.
func (c *Counter) Remaining(ctx context.Context, userID string) (plans.Quota, error) {
	quota, ok, err := c.ceiling(ctx, userID)
	if err != nil || !ok {
		return plans.Limited(0), err
	}
	if quota.Unlimited {
		return plans.UnlimitedQuota, nil
	}

	used, err := c.ledger.CountGenerationsByUser(ctx, userID)
	if err != nil {
		return plans.Limited(0), fmt.Errorf("count generations for %s: %w", userID, err)
	}
	return quota.Remaining(used), nil
}

// Reserve atomically claims one unit of quota by inserting a pending
// generation record. It reports false when the quota is already used up.
func (c *Counter) Reserve(ctx context.Context, g *registry.Generation) (bool, error) {
	quota, ok, err := c.ceiling(ctx, g.UserID)
	if err != nil || !ok {
		return false, err
	}
	limit := quota.Limit
	if quota.Unlimited {
		limit = math.MaxInt32
	}
	reserved, err := c.ledger.ReserveGeneration(ctx, g, limit)
	if err != nil {
		return false, fmt.Errorf("reserve generation for %s: %w", g.UserID, err)
	}
	return reserved, nil
}

// Complete turns a reservation into a delivered generation record.
func (c *Counter) Complete(ctx context.Context, id, originalURL, resultURL string) error {
	return c.ledger.CompleteGeneration(ctx, id, originalURL, resultURL)
}

// Release returns a reservation's quota after a failed generation.
func (c *Counter) Release(ctx context.Context, id string) error {
	return c.ledger.DeleteGeneration(ctx, id)
}

func (c *Counter) ceiling(ctx context.Context, userID string) (plans.Quota, bool, error) {
	tier, ok, err := c.tiers.HighestTier(ctx, userID)
	if err != nil {
		return plans.Quota{}, false, err
	}
	if !ok {
		return plans.Quota{}, false, nil
	}
	quota, ok := c.catalog.Quota(tier)
	return quota, ok, nil
}
