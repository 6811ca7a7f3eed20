package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/memorial-studio/pkg/plans"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestUser(t *testing.T, reg *Registry, email string) *User {
	t.Helper()
	u := &User{Email: email, Name: "Test"}
	if err := reg.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestGenerateIDsArePrefixedAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateOrderID()
		if !strings.HasPrefix(id, "ord_") {
			t.Fatalf("expected prefix ord_, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate order ID: %s", id)
		}
		seen[id] = true
	}
	if !strings.HasPrefix(GenerateUserID(), "usr_") {
		t.Fatal("expected usr_ prefix")
	}
	if !strings.HasPrefix(GenerateGenerationID(), "gen_") {
		t.Fatal("expected gen_ prefix")
	}
}

func TestUserLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, " Mourner@Example.com ")

	got, err := reg.FindUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	if got == nil || got.Email != "mourner@example.com" {
		t.Fatalf("unexpected user %+v", got)
	}

	got, err = reg.FindUserByEmail(ctx, "MOURNER@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if got == nil || got.ID != u.ID {
		t.Fatalf("expected lookup by email to find %s, got %+v", u.ID, got)
	}

	missing, err := reg.FindUserByID(ctx, "usr_missing")
	if err != nil {
		t.Fatalf("FindUserByID(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing user, got %+v", missing)
	}
}

func TestUpsertUserByEmail(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UpsertUserByEmail(ctx, "a@example.com", "Ann", "https://img/a.png")
	if err != nil {
		t.Fatalf("UpsertUserByEmail: %v", err)
	}
	second, err := reg.UpsertUserByEmail(ctx, "A@example.com", "", "")
	if err != nil {
		t.Fatalf("UpsertUserByEmail (again): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if second.Name != "Ann" || second.AvatarURL != "https://img/a.png" {
		t.Fatalf("empty values must not clear profile: %+v", second)
	}

	if _, err := reg.UpsertUserByEmail(ctx, "  ", "", ""); err == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestInsertOrderIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "buyer@example.com")

	order := &Order{UserID: u.ID, Tier: plans.TierBundle, Provider: "polar", ProviderOrderID: "po_1", ProductID: "prod_b"}
	inserted, err := reg.InsertOrder(ctx, order)
	if err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to write")
	}

	dup := &Order{UserID: u.ID, Tier: plans.TierBundle, Provider: "polar", ProviderOrderID: "po_1", ProductID: "prod_b"}
	inserted, err = reg.InsertOrder(ctx, dup)
	if err != nil {
		t.Fatalf("InsertOrder (dup): %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate provider order id to be ignored")
	}

	orders, err := reg.ListOrdersByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListOrdersByUser: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Tier != plans.TierBundle || orders[0].ProviderOrderID != "po_1" {
		t.Fatalf("unexpected order %+v", orders[0])
	}
}

func TestInsertOrderConcurrentDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "race@example.com")

	var wg sync.WaitGroup
	var mu sync.Mutex
	writes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.InsertOrder(ctx, &Order{UserID: u.ID, Tier: plans.TierBasic, Provider: "polar", ProviderOrderID: "po_race"})
			if err != nil {
				t.Errorf("InsertOrder: %v", err)
				return
			}
			if ok {
				mu.Lock()
				writes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if writes != 1 {
		t.Fatalf("expected exactly one write, got %d", writes)
	}
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "history@example.com")

	base := time.Now().UTC().Add(-time.Hour)
	for i, tier := range []plans.Tier{plans.TierBasic, plans.TierLegacy, plans.TierBundle} {
		_, err := reg.InsertOrder(ctx, &Order{
			UserID:          u.ID,
			Tier:            tier,
			Provider:        "polar",
			ProviderOrderID: GenerateOrderID(),
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}

	orders, err := reg.ListOrdersByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListOrdersByUser: %v", err)
	}
	got := []plans.Tier{orders[0].Tier, orders[1].Tier, orders[2].Tier}
	want := []plans.Tier{plans.TierBundle, plans.TierLegacy, plans.TierBasic}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestGenerationCountAndList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "gallery@example.com")

	for i := 0; i < 3; i++ {
		g := &Generation{
			UserID:    u.ID,
			Operation: plans.OperationPortrait,
			ResultURL: "https://cdn/x.png",
			Settings:  map[string]string{"extraPrompt": "soft light"},
		}
		if err := reg.InsertGeneration(ctx, g); err != nil {
			t.Fatalf("InsertGeneration: %v", err)
		}
	}

	n, err := reg.CountGenerationsByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("CountGenerationsByUser: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 generations, got %d", n)
	}

	list, err := reg.ListGenerationsByUser(ctx, u.ID, 2)
	if err != nil {
		t.Fatalf("ListGenerationsByUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(list))
	}
	if list[0].Settings["extraPrompt"] != "soft light" {
		t.Fatalf("settings not round-tripped: %+v", list[0].Settings)
	}
	if list[0].ID < list[1].ID {
		t.Fatal("expected newest first")
	}
}

func TestReserveGenerationRespectsLimit(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "reserve@example.com")

	var reserved []*Generation
	for i := 0; i < 3; i++ {
		g := &Generation{UserID: u.ID, Operation: plans.OperationPoster}
		ok, err := reg.ReserveGeneration(ctx, g, 2)
		if err != nil {
			t.Fatalf("ReserveGeneration: %v", err)
		}
		if ok {
			reserved = append(reserved, g)
		}
	}
	if len(reserved) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(reserved))
	}

	// Pending rows are hidden from the gallery but still count.
	list, _ := reg.ListGenerationsByUser(ctx, u.ID, 10)
	if len(list) != 0 {
		t.Fatalf("expected pending rows hidden, got %d", len(list))
	}

	if err := reg.CompleteGeneration(ctx, reserved[0].ID, "", "https://cdn/p.png"); err != nil {
		t.Fatalf("CompleteGeneration: %v", err)
	}
	if err := reg.DeleteGeneration(ctx, reserved[1].ID); err != nil {
		t.Fatalf("DeleteGeneration: %v", err)
	}

	n, _ := reg.CountGenerationsByUser(ctx, u.ID)
	if n != 1 {
		t.Fatalf("expected 1 generation after release, got %d", n)
	}
	list, _ = reg.ListGenerationsByUser(ctx, u.ID, 10)
	if len(list) != 1 || list[0].ResultURL != "https://cdn/p.png" {
		t.Fatalf("unexpected gallery %+v", list)
	}

	if err := reg.CompleteGeneration(ctx, "gen_missing", "", ""); err == nil {
		t.Fatal("expected error completing a missing generation")
	}
}

func TestAnomalies(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RecordAnomaly(ctx, &PaymentAnomaly{
		Provider:        "polar",
		EventType:       "order.paid",
		ProviderOrderID: "po_x",
		CustomerEmail:   "ghost@example.com",
		Reason:          AnomalyUnknownUser,
	}); err != nil {
		t.Fatalf("RecordAnomaly: %v", err)
	}

	list, err := reg.ListAnomalies(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnomalies: %v", err)
	}
	if len(list) != 1 || list[0].Reason != AnomalyUnknownUser || list[0].CustomerEmail != "ghost@example.com" {
		t.Fatalf("unexpected anomalies %+v", list)
	}
}

func TestPing(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStats(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	u := newTestUser(t, reg, "stats@example.com")
	if _, err := reg.InsertOrder(ctx, &Order{UserID: u.ID, Tier: plans.TierBasic, Provider: "polar", ProviderOrderID: "po_stats"}); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	st, err := reg.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Users != 1 || st.Orders != 1 || st.Generations != 0 || st.Anomalies != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
