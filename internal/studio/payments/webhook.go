package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/studiometrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// ErrInvalidSignature is returned by providers when verification fails.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Provider verifies and decodes one payment provider's webhooks.
type Provider interface {
	Name() string
	Configured() bool
	// Parse verifies the signature and decodes the event. A nil event with a
	// nil error means the event type is not one intake acts on.
	Parse(payload []byte, header http.Header) (eventType string, event *OrderPaid, err error)
}

// WebhookHandler handles incoming payment webhooks for one provider.
type WebhookHandler struct {
	provider Provider
	intake   *Intake
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewWebhookHandler creates a webhook HTTP handler.
func NewWebhookHandler(provider Provider, intake *Intake) *WebhookHandler {
	return &WebhookHandler{provider: provider, intake: intake}
}

// ServeHTTP verifies the signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	providerName := h.provider.Name()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		studiometrics.WebhookRequestsTotal.WithLabelValues(providerName, eventType, strconv.Itoa(status)).Inc()
		studiometrics.WebhookDuration.WithLabelValues(providerName, eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.provider.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	logger := logging.FromContext(r.Context())

	evType, event, err := h.provider.Parse(payload, r.Header)
	if evType != "" {
		eventType = evType
	}
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, ErrInvalidSignature) {
			logger.Warn().Err(err).Str("provider", providerName).Msg("Webhook signature rejected")
			writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
			return
		}
		logger.Warn().Err(err).Str("provider", providerName).Msg("Webhook payload rejected")
		writeJSON(w, status, webhookErrorResponse{Error: "invalid payload"})
		return
	}

	if event == nil {
		logger.Info().
			Str("provider", providerName).
			Str("type", eventType).
			Msg("Payment webhook ignored (unhandled type)")
		writeJSON(w, status, webhookReceivedResponse{Received: true})
		return
	}

	outcome, err := h.intake.Process(r.Context(), *event)
	if err != nil {
		logger.Error().Err(err).
			Str("provider", providerName).
			Str("provider_order_id", event.ProviderOrderID).
			Msg("Payment webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Outcome: string(outcome)})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.New("payments")
		logger.Error().Err(err).Int("status", status).Msg("encode webhook response")
	}
}
