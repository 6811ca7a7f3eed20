// Package payments turns verified payment-provider events into order
// records. Intake is idempotent per provider order id.
package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/studio/studiometrics"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// Customer identifies the payer as reported by the provider.
type Customer struct {
	ExternalID string // our user id, when the checkout carried it
	Email      string
}

// OrderPaid is a provider-neutral paid-order event.
type OrderPaid struct {
	Provider        string
	EventType       string
	ProviderOrderID string
	ProductID       string
	Customer        Customer
	PaidAt          time.Time
}

// Outcome reports what intake did with an event.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnknownUser    Outcome = "unknown_user"
	OutcomeUnknownProduct Outcome = "unknown_product"
	OutcomeMissingOrderID Outcome = "missing_order_id"
)

// Store is the persistence intake needs.
type Store interface {
	FindUserByID(ctx context.Context, id string) (*registry.User, error)
	FindUserByEmail(ctx context.Context, email string) (*registry.User, error)
	InsertOrder(ctx context.Context, o *registry.Order) (bool, error)
	RecordAnomaly(ctx context.Context, a *registry.PaymentAnomaly) error
}

// Intake records paid orders.
type Intake struct {
	store   Store
	catalog *plans.Catalog
}

// NewIntake creates an Intake. The catalog maps product ids onto tiers.
func NewIntake(store Store, catalog *plans.Catalog) *Intake {
	if catalog == nil {
		catalog = plans.DefaultCatalog()
	}
	return &Intake{store: store, catalog: catalog}
}

// Process records ev as an order. Events without an order id, unresolvable
// payers and unknown products are recorded as anomalies and are not errors;
// storage failures are.
func (in *Intake) Process(ctx context.Context, ev OrderPaid) (Outcome, error) {
	logger := logging.FromContext(ctx).With().
		Str("provider", ev.Provider).
		Str("provider_order_id", ev.ProviderOrderID).
		Logger()

	if strings.TrimSpace(ev.ProviderOrderID) == "" {
		logger.Warn().Str("event_type", ev.EventType).Msg("Paid order event has no order id; dropping")
		return OutcomeMissingOrderID, in.anomaly(ctx, ev, registry.AnomalyMissingOrderID)
	}

	userID, err := in.resolveUser(ctx, ev.Customer)
	if err != nil {
		return "", err
	}
	if userID == "" {
		logger.Warn().
			Str("customer_external_id", ev.Customer.ExternalID).
			Str("customer_email", ev.Customer.Email).
			Msg("Paid order has no matching user; dropping")
		return OutcomeUnknownUser, in.anomaly(ctx, ev, registry.AnomalyUnknownUser)
	}

	tier, ok := in.catalog.TierForProduct(ev.ProductID)
	if !ok {
		logger.Warn().Str("product_id", ev.ProductID).Msg("Paid order for unknown product; dropping")
		return OutcomeUnknownProduct, in.anomaly(ctx, ev, registry.AnomalyUnknownProduct)
	}

	inserted, err := in.store.InsertOrder(ctx, &registry.Order{
		UserID:          userID,
		Tier:            tier,
		Provider:        ev.Provider,
		ProviderOrderID: ev.ProviderOrderID,
		ProductID:       ev.ProductID,
		PaidAt:          ev.PaidAt,
	})
	if err != nil {
		return "", fmt.Errorf("record order %s: %w", ev.ProviderOrderID, err)
	}
	if !inserted {
		studiometrics.OrdersTotal.WithLabelValues(ev.Provider, string(OutcomeDuplicate)).Inc()
		logger.Info().Msg("Duplicate paid order delivery ignored")
		return OutcomeDuplicate, nil
	}

	studiometrics.OrdersTotal.WithLabelValues(ev.Provider, string(OutcomeCreated)).Inc()
	logger.Info().Str("user_id", userID).Str("tier", string(tier)).Msg("Order recorded")
	return OutcomeCreated, nil
}

// resolveUser tries the external id as a user id, then falls back to email.
func (in *Intake) resolveUser(ctx context.Context, c Customer) (string, error) {
	if id := strings.TrimSpace(c.ExternalID); id != "" {
		u, err := in.store.FindUserByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("lookup user by external id: %w", err)
		}
		if u != nil {
			return u.ID, nil
		}
	}
	if email := strings.TrimSpace(c.Email); email != "" {
		u, err := in.store.FindUserByEmail(ctx, email)
		if err != nil {
			return "", fmt.Errorf("lookup user by email: %w", err)
		}
		if u != nil {
			return u.ID, nil
		}
	}
	return "", nil
}

func (in *Intake) anomaly(ctx context.Context, ev OrderPaid, reason string) error {
	studiometrics.OrdersTotal.WithLabelValues(ev.Provider, reason).Inc()
	err := in.store.RecordAnomaly(ctx, &registry.PaymentAnomaly{
		Provider:           ev.Provider,
		EventType:          ev.EventType,
		ProviderOrderID:    ev.ProviderOrderID,
		ProductID:          ev.ProductID,
		CustomerExternalID: ev.Customer.ExternalID,
		CustomerEmail:      ev.Customer.Email,
		Reason:             reason,
	})
	if err != nil {
		return fmt.Errorf("record payment anomaly: %w", err)
	}
	return nil
}
