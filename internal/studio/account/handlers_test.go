package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/memorial-studio/internal/entitlements"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/usage"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

type fixture struct {
	reg     *registry.Registry
	orders  http.Handler
	gallery http.Handler
	user    *registry.User
}

func newFixture(t *testing.T, catalog *plans.Catalog) *fixture {
	t.Helper()
	reg, err := registry.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	u := &registry.User{Email: "family@example.com"}
	if err := reg.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	store := entitlements.NewStore(reg, catalog)
	counter := usage.NewCounter(store, reg, catalog)
	return &fixture{
		reg:     reg,
		orders:  HandleOrders(store, counter),
		gallery: HandleGallery(reg),
		user:    u,
	}
}

func (f *fixture) get(t *testing.T, h http.Handler, userID, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req = req.WithContext(identity.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status=%d body=%q", path, rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func (f *fixture) addOrder(t *testing.T, tier plans.Tier, providerOrderID string) {
	t.Helper()
	if _, err := f.reg.InsertOrder(context.Background(), &registry.Order{
		UserID: f.user.ID, Tier: tier, Provider: "polar", ProviderOrderID: providerOrderID,
	}); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
}

func (f *fixture) addGeneration(t *testing.T, op plans.Operation, resultURL string, at time.Time) {
	t.Helper()
	g := &registry.Generation{UserID: f.user.ID, Operation: op, ResultURL: resultURL, CreatedAt: at}
	if err := f.reg.InsertGeneration(context.Background(), g); err != nil {
		t.Fatalf("InsertGeneration: %v", err)
	}
}

func TestOrdersWithoutPurchases(t *testing.T) {
	f := newFixture(t, nil)
	body := f.get(t, f.orders, f.user.ID, "/api/orders")

	if orders, ok := body["orders"].([]any); !ok || len(orders) != 0 {
		t.Fatalf("orders=%v, want empty list", body["orders"])
	}
	if body["currentTier"] != nil {
		t.Fatalf("currentTier=%v, want null", body["currentTier"])
	}
	if body["remainingGenerations"] != float64(0) {
		t.Fatalf("remainingGenerations=%v, want 0", body["remainingGenerations"])
	}
}

func TestOrdersReportHighestTierAndRemaining(t *testing.T) {
	f := newFixture(t, nil)
	f.addOrder(t, plans.TierBasic, "po_1")
	f.addOrder(t, plans.TierBundle, "po_2")
	f.addGeneration(t, plans.OperationPortrait, "https://cdn.example.com/a.png", time.Now())

	body := f.get(t, f.orders, f.user.ID, "/api/orders")
	if orders := body["orders"].([]any); len(orders) != 2 {
		t.Fatalf("orders=%d, want 2", len(orders))
	}
	if body["currentTier"] != string(plans.TierBundle) {
		t.Fatalf("currentTier=%v, want bundle", body["currentTier"])
	}
	if body["remainingGenerations"] != float64(2) {
		t.Fatalf("remainingGenerations=%v, want 2", body["remainingGenerations"])
	}
}

func TestOrdersReportUnlimited(t *testing.T) {
	catalog, err := plans.ParseCatalog([]byte("tiers:\n  legacy:\n    quota: unlimited\n"), plans.DefaultCatalog())
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	f := newFixture(t, catalog)
	f.addOrder(t, plans.TierLegacy, "po_1")

	body := f.get(t, f.orders, f.user.ID, "/api/orders")
	if body["remainingGenerations"] != "unlimited" {
		t.Fatalf("remainingGenerations=%v, want unlimited", body["remainingGenerations"])
	}
}

func TestGalleryNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.addGeneration(t, plans.OperationPortrait, "https://cdn.example.com/old.png", base)
	f.addGeneration(t, plans.OperationPoster, "", base.Add(time.Hour))

	body := f.get(t, f.gallery, f.user.ID, "/api/gallery")
	gens := body["generations"].([]any)
	if len(gens) != 2 {
		t.Fatalf("generations=%d, want 2", len(gens))
	}
	first := gens[0].(map[string]any)
	if first["operation"] != string(plans.OperationPoster) || first["resultUrl"] != nil {
		t.Fatalf("unexpected newest entry: %v", first)
	}
	second := gens[1].(map[string]any)
	if second["resultUrl"] != "https://cdn.example.com/old.png" {
		t.Fatalf("unexpected oldest entry: %v", second)
	}
}

func TestAccountHandlersRequireUser(t *testing.T) {
	f := newFixture(t, nil)
	for _, h := range []http.Handler{f.orders, f.gallery} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d, want 401", rec.Code)
		}
	}
}
