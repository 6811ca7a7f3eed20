// Package account serves a signed-in user's purchase and history views.
package account

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/memorial-studio/internal/entitlements"
	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// GalleryLimit caps how many generations the gallery returns.
const GalleryLimit = 100

// Orders lists a user's orders.
type Orders interface {
	ListOrders(ctx context.Context, userID string) ([]*registry.Order, error)
}

// Quotas reports a user's remaining generations.
type Quotas interface {
	Remaining(ctx context.Context, userID string) (plans.Quota, error)
}

// History lists a user's completed generations.
type History interface {
	ListGenerationsByUser(ctx context.Context, userID string, limit int) ([]*registry.Generation, error)
}

type orderView struct {
	ID        string     `json:"id"`
	Tier      plans.Tier `json:"tier"`
	Provider  string     `json:"provider"`
	ProductID string     `json:"productId"`
	PaidAt    time.Time  `json:"paidAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

type ordersResponse struct {
	Orders               []orderView `json:"orders"`
	CurrentTier          *plans.Tier `json:"currentTier"`
	RemainingGenerations plans.Quota `json:"remainingGenerations"`
}

type generationView struct {
	ID        string          `json:"id"`
	Operation plans.Operation `json:"operation"`
	ResultURL *string         `json:"resultUrl"`
	CreatedAt time.Time       `json:"createdAt"`
}

type galleryResponse struct {
	Generations []generationView `json:"generations"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleOrders returns the user's orders, current tier and remaining quota.
// Route: GET /api/orders
func HandleOrders(orders Orders, quotas Quotas) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := identity.UserID(r.Context())
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}

		var (
			list      []*registry.Order
			remaining plans.Quota
		)
		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			var err error
			list, err = orders.ListOrders(ctx, userID)
			return err
		})
		g.Go(func() error {
			var err error
			remaining, err = quotas.Remaining(ctx, userID)
			return err
		})
		if err := g.Wait(); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load orders")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		resp := ordersResponse{
			Orders:               make([]orderView, 0, len(list)),
			RemainingGenerations: remaining,
		}
		for _, o := range list {
			resp.Orders = append(resp.Orders, orderView{
				ID:        o.ID,
				Tier:      o.Tier,
				Provider:  o.Provider,
				ProductID: o.ProductID,
				PaidAt:    o.PaidAt,
				CreatedAt: o.CreatedAt,
			})
		}
		if tier, ok := entitlements.HighestTierOf(list); ok {
			resp.CurrentTier = &tier
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleGallery returns the user's newest completed generations.
// Route: GET /api/gallery
func HandleGallery(history History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := identity.UserID(r.Context())
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}

		gens, err := history.ListGenerationsByUser(r.Context(), userID, GalleryLimit)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load gallery")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		resp := galleryResponse{Generations: make([]generationView, 0, len(gens))}
		for _, g := range gens {
			view := generationView{ID: g.ID, Operation: g.Operation, CreatedAt: g.CreatedAt}
			if g.ResultURL != "" {
				url := g.ResultURL
				view.ResultURL = &url
			}
			resp.Generations = append(resp.Generations, view)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
