package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/memorial-studio/internal/studio/registry"
)

// Anomalies lists recorded payment anomalies.
type Anomalies interface {
	ListAnomalies(ctx context.Context, limit int) ([]*registry.PaymentAnomaly, error)
}

type anomalyView struct {
	ID                 string    `json:"id"`
	Provider           string    `json:"provider"`
	EventType          string    `json:"event_type"`
	ProviderOrderID    string    `json:"provider_order_id"`
	ProductID          string    `json:"product_id,omitempty"`
	CustomerExternalID string    `json:"customer_external_id,omitempty"`
	CustomerEmail      string    `json:"customer_email,omitempty"`
	Reason             string    `json:"reason"`
	CreatedAt          time.Time `json:"created_at"`
}

// HandleListAnomalies returns recorded payment anomalies, newest first.
// Route: GET /admin/payment-anomalies?limit=N
func HandleListAnomalies(src Anomalies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 1000 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		list, err := src.ListAnomalies(r.Context(), limit)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		out := make([]anomalyView, 0, len(list))
		for _, a := range list {
			out = append(out, anomalyView{
				ID:                 a.ID,
				Provider:           a.Provider,
				EventType:          a.EventType,
				ProviderOrderID:    a.ProviderOrderID,
				ProductID:          a.ProductID,
				CustomerExternalID: a.CustomerExternalID,
				CustomerEmail:      a.CustomerEmail,
				Reason:             a.Reason,
				CreatedAt:          a.CreatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"anomalies": out,
			"count":     len(out),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
