package registry

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// User is an authenticated customer.
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	CreatedAt time.Time
}

// Order records one confirmed purchase of a plan tier.
type Order struct {
	ID              string
	UserID          string
	Tier            plans.Tier
	Provider        string // "polar" or "stripe"
	ProviderOrderID string
	ProductID       string
	PaidAt          time.Time
	CreatedAt       time.Time
}

// GenerationStatus is the lifecycle state of a generation record.
type GenerationStatus string

const (
	// GenerationPending marks a quota reservation whose model call has not finished.
	GenerationPending GenerationStatus = "pending"
	// GenerationComplete marks a delivered result.
	GenerationComplete GenerationStatus = "complete"
)

// Generation records one successful image generation. Generation records
// are what the usage counter counts.
type Generation struct {
	ID          string
	UserID      string
	Operation   plans.Operation
	OriginalURL string
	ResultURL   string
	Settings    map[string]string
	Status      GenerationStatus
	CreatedAt   time.Time
}

// PaymentAnomaly is a paid order that could not be turned into an order record.
type PaymentAnomaly struct {
	ID                 string
	Provider           string
	EventType          string
	ProviderOrderID    string
	ProductID          string
	CustomerExternalID string
	CustomerEmail      string
	Reason             string
	CreatedAt          time.Time
}

// Anomaly reasons.
const (
	AnomalyUnknownUser    = "unknown_user"
	AnomalyUnknownProduct = "unknown_product"
	AnomalyMissingOrderID = "missing_order_id"
)

// GenerateUserID returns a user ID of the form "usr_" followed by a ULID.
func GenerateUserID() string {
	return newID("usr_")
}

// GenerateOrderID returns an order ID of the form "ord_" followed by a ULID.
func GenerateOrderID() string {
	return newID("ord_")
}

// GenerateGenerationID returns a generation ID of the form "gen_" followed by a ULID.
func GenerateGenerationID() string {
	return newID("gen_")
}

// GenerateAnomalyID returns an anomaly ID of the form "anm_" followed by a ULID.
func GenerateAnomalyID() string {
	return newID("anm_")
}

func newID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// NormalizeEmail lowercases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
