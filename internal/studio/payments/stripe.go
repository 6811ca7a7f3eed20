package payments

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider verifies Stripe webhooks and maps completed checkout
// sessions onto paid orders. The checkout must carry the user id as
// client_reference_id and the product id as metadata.product_id.
type StripeProvider struct {
	secret string
}

// NewStripeProvider creates a provider for secret.
func NewStripeProvider(secret string) *StripeProvider {
	return &StripeProvider{secret: strings.TrimSpace(secret)}
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return "stripe" }

// Configured implements Provider.
func (p *StripeProvider) Configured() bool { return p.secret != "" }

// checkoutSession is a minimal representation of a Stripe checkout.session event.
type checkoutSession struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	PaymentStatus     string `json:"payment_status"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

// Parse implements Provider.
func (p *StripeProvider) Parse(payload []byte, header http.Header) (string, *OrderPaid, error) {
	sigHeader := header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		return "", nil, fmt.Errorf("%w: missing Stripe signature", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	eventType := string(event.Type)

	switch event.Type {
	case stripelib.EventTypeCheckoutSessionCompleted, stripelib.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return eventType, nil, nil
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return eventType, nil, fmt.Errorf("decode checkout.session: %w", err)
	}
	// Delayed payment methods complete the session before funds arrive;
	// the async_payment_succeeded event follows once they do.
	if event.Type == stripelib.EventTypeCheckoutSessionCompleted && session.PaymentStatus != "" && session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
		return eventType, nil, nil
	}

	email := strings.TrimSpace(session.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(session.CustomerEmail)
	}
	var paidAt time.Time
	if session.Created > 0 {
		paidAt = time.Unix(session.Created, 0).UTC()
	}

	return eventType, &OrderPaid{
		Provider:        p.Name(),
		EventType:       eventType,
		ProviderOrderID: session.ID,
		ProductID:       session.Metadata["product_id"],
		Customer: Customer{
			ExternalID: session.ClientReferenceID,
			Email:      email,
		},
		PaidAt: paidAt,
	}, nil
}
