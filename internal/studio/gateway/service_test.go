package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rcourtman/memorial-studio/internal/entitlements"
	apperrors "github.com/rcourtman/memorial-studio/internal/errors"
	"github.com/rcourtman/memorial-studio/internal/imagemodel"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/usage"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

type fakeModel struct {
	mu     sync.Mutex
	calls  int
	last   imagemodel.Request
	result *imagemodel.Result
	err    error
}

func (m *fakeModel) Generate(_ context.Context, req imagemodel.Request) (*imagemodel.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &imagemodel.Result{Image: []byte("generated"), MimeType: "image/png"}, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *fakeStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type failingRecorder struct{}

func (failingRecorder) InsertGeneration(context.Context, *registry.Generation) error {
	return errors.New("disk full")
}

type harness struct {
	reg    *registry.Registry
	usage  *usage.Counter
	model  *fakeModel
	store  *fakeStore
	svc    *Service
	userID string
}

func newHarness(t *testing.T, mode string) *harness {
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

	catalog := plans.DefaultCatalog()
	store := entitlements.NewStore(reg, catalog)
	counter := usage.NewCounter(store, reg, catalog)
	model := &fakeModel{}
	objects := &fakeStore{}

	return &harness{
		reg:    reg,
		usage:  counter,
		model:  model,
		store:  objects,
		svc:    NewService(Config{QuotaMode: mode}, store, counter, reg, model, objects),
		userID: u.ID,
	}
}

func (h *harness) buy(t *testing.T, tier plans.Tier) {
	t.Helper()
	if _, err := h.reg.InsertOrder(context.Background(), &registry.Order{
		UserID: h.userID, Tier: tier, Provider: "polar", ProviderOrderID: registry.GenerateOrderID(),
	}); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.reg.CountGenerationsByUser(context.Background(), h.userID)
	if err != nil {
		t.Fatalf("CountGenerationsByUser: %v", err)
	}
	return n
}

func (h *harness) request(op string) Request {
	return Request{
		UserID:      h.userID,
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("source-photo")),
		Operation:   op,
	}
}

func expectKind(t *testing.T, err error, kind apperrors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperrors.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

func TestBundleScenario(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	ctx := context.Background()
	h.buy(t, plans.TierBundle)
	for i := 0; i < 2; i++ {
		if err := h.reg.InsertGeneration(ctx, &registry.Generation{UserID: h.userID, Operation: plans.OperationPortrait}); err != nil {
			t.Fatalf("InsertGeneration: %v", err)
		}
	}

	remaining, err := h.usage.Remaining(ctx, h.userID)
	if err != nil || remaining != plans.Limited(1) {
		t.Fatalf("Remaining = %v, %v; want 1", remaining, err)
	}

	_, err = h.svc.Generate(ctx, h.request("colorize"))
	expectKind(t, err, apperrors.KindFeatureNotEntitled)
	if h.model.callCount() != 0 {
		t.Fatal("model must not be invoked for a refused request")
	}

	res, err := h.svc.Generate(ctx, h.request("poster"))
	if err != nil {
		t.Fatalf("poster: %v", err)
	}
	if string(res.Image) != "generated" || res.MimeType != "image/png" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.ResultURL, "https://cdn.example.com/"+h.userID+"/") || !strings.HasSuffix(res.ResultURL, "_poster.png") {
		t.Fatalf("unexpected result url %q", res.ResultURL)
	}
	if h.count(t) != 3 {
		t.Fatalf("expected 3 generation records, got %d", h.count(t))
	}

	_, err = h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindQuotaExhausted)
	if h.model.callCount() != 1 {
		t.Fatalf("expected exactly one model call, got %d", h.model.callCount())
	}
}

func TestPayloadSizeBoundary(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierLegacy)
	ctx := context.Background()

	exact := bytes.Repeat([]byte{0xAB}, MaxImageBytes)
	req := h.request("portrait")
	req.ImageBase64 = base64.StdEncoding.EncodeToString(exact)
	if _, err := h.svc.Generate(ctx, req); err != nil {
		t.Fatalf("exactly 10 MiB must be accepted: %v", err)
	}

	over := append(exact, 0x01)
	req.ImageBase64 = base64.StdEncoding.EncodeToString(over)
	_, err := h.svc.Generate(ctx, req)
	expectKind(t, err, apperrors.KindPayloadTooLarge)
	if apperrors.StatusForKind(apperrors.KindOf(err)) != http.StatusBadRequest {
		t.Fatal("payload too large maps to 400")
	}
}

func TestPayloadSizeIgnoresLineBreaks(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierLegacy)

	encoded := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xCD}, MaxImageBytes))
	var wrapped strings.Builder
	for len(encoded) > 76 {
		wrapped.WriteString(encoded[:76])
		wrapped.WriteString("\r\n")
		encoded = encoded[76:]
	}
	wrapped.WriteString(encoded)

	req := h.request("portrait")
	req.ImageBase64 = wrapped.String()
	if _, err := h.svc.Generate(context.Background(), req); err != nil {
		t.Fatalf("line-wrapped 10 MiB payload must be accepted: %v", err)
	}
}

func TestValidationOrder(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	ctx := context.Background()

	// No orders at all: validation failures still win over entitlement.
	big := h.request("sculpt")
	big.ImageBase64 = base64.StdEncoding.EncodeToString(make([]byte, MaxImageBytes+1))
	_, err := h.svc.Generate(ctx, big)
	expectKind(t, err, apperrors.KindPayloadTooLarge)

	_, err = h.svc.Generate(ctx, h.request("sculpt"))
	expectKind(t, err, apperrors.KindInvalidOperation)
	if apperrors.PublicMessage(err) != "Invalid genType: sculpt" {
		t.Fatalf("unexpected message %q", apperrors.PublicMessage(err))
	}

	_, err = h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindFeatureNotEntitled)

	h.buy(t, plans.TierBasic)
	if _, err := h.svc.Generate(ctx, h.request("portrait")); err != nil {
		t.Fatalf("first basic generation: %v", err)
	}
	_, err = h.svc.Generate(ctx, h.request("attire"))
	expectKind(t, err, apperrors.KindQuotaExhausted)
}

func TestInputValidation(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierLegacy)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		kind apperrors.Kind
	}{
		{"anonymous", Request{ImageBase64: "aGk=", Operation: "portrait"}, apperrors.KindUnauthenticated},
		{"missing image", Request{UserID: h.userID, Operation: "portrait"}, apperrors.KindInvalidInput},
		{"missing operation", Request{UserID: h.userID, ImageBase64: "aGk="}, apperrors.KindInvalidInput},
		{"bad base64", Request{UserID: h.userID, ImageBase64: "!!!not base64!!!", Operation: "portrait"}, apperrors.KindInvalidInput},
		{"unsupported mime", Request{UserID: h.userID, ImageBase64: "aGk=", MimeType: "application/pdf", Operation: "portrait"}, apperrors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Generate(ctx, tt.req)
			expectKind(t, err, tt.kind)
		})
	}
	if h.count(t) != 0 {
		t.Fatal("failed requests must not create records")
	}
}

func TestDataURIAndDefaults(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierLegacy)

	req := h.request("poster")
	req.ImageBase64 = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	req.ExtraInstructions = "  In loving memory  "
	if _, err := h.svc.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if h.model.last.MimeType != "image/png" || string(h.model.last.Image) != "png" {
		t.Fatalf("unexpected model request %+v", h.model.last)
	}
	if h.model.last.ExtraInstructions != "In loving memory" {
		t.Fatalf("expected trimmed extra instructions, got %q", h.model.last.ExtraInstructions)
	}

	list, _ := h.reg.ListGenerationsByUser(context.Background(), h.userID, 10)
	if len(list) != 1 || list[0].Settings["extraPrompt"] != "In loving memory" {
		t.Fatalf("expected settings recorded, got %+v", list)
	}

	req = h.request("portrait")
	if _, err := h.svc.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if h.model.last.MimeType != imagemodel.DefaultInputMimeType {
		t.Fatalf("expected default mime, got %q", h.model.last.MimeType)
	}
}

func TestModelFailuresCreateNoRecord(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierLegacy)
	ctx := context.Background()

	h.model.err = fmt.Errorf("wrapped: %w", apperrors.ErrModelNoOutput)
	_, err := h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindModelNoOutput)
	if apperrors.PublicMessage(err) != "AI did not return an image" {
		t.Fatalf("unexpected message %q", apperrors.PublicMessage(err))
	}

	h.model.err = errors.New("API error (500): internal")
	_, err = h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindModelFailed)

	h.model.err = nil
	h.model.result = &imagemodel.Result{}
	_, err = h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindModelNoOutput)

	if h.count(t) != 0 {
		t.Fatalf("expected no records after failures, got %d", h.count(t))
	}
	if h.model.callCount() != 3 {
		t.Fatalf("expected one call per request, got %d", h.model.callCount())
	}
}

func TestUploadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierBasic)
	h.store.err = errors.New("bucket unavailable")

	res, err := h.svc.Generate(context.Background(), h.request("portrait"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ResultURL != "" {
		t.Fatalf("expected empty url, got %q", res.ResultURL)
	}
	if h.count(t) != 1 {
		t.Fatal("generation must still be recorded")
	}
}

func TestRecordFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierBasic)
	store := entitlements.NewStore(h.reg, nil)
	svc := NewService(Config{}, store, h.usage, failingRecorder{}, h.model, nil)

	res, err := svc.Generate(context.Background(), h.request("portrait"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(res.Image) != "generated" {
		t.Fatal("image must be returned even when the record insert fails")
	}
}

func TestReserveModeReleasesOnFailure(t *testing.T) {
	h := newHarness(t, QuotaReserve)
	h.buy(t, plans.TierBasic)
	ctx := context.Background()

	h.model.err = errors.New("timeout")
	_, err := h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindModelFailed)
	if h.count(t) != 0 {
		t.Fatalf("reservation must be released, got %d records", h.count(t))
	}

	h.model.err = nil
	res, err := h.svc.Generate(ctx, h.request("portrait"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	list, _ := h.reg.ListGenerationsByUser(ctx, h.userID, 10)
	if len(list) != 1 || list[0].ResultURL != res.ResultURL {
		t.Fatalf("expected completed record, got %+v", list)
	}

	_, err = h.svc.Generate(ctx, h.request("portrait"))
	expectKind(t, err, apperrors.KindQuotaExhausted)
}

func TestReserveModeConcurrentRequestsRespectQuota(t *testing.T) {
	h := newHarness(t, QuotaReserve)
	h.buy(t, plans.TierBundle)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Generate(context.Background(), h.request("poster")); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 3 {
		t.Fatalf("expected 3 successes under bundle quota, got %d", successes)
	}
	if h.count(t) != 3 {
		t.Fatalf("expected 3 records, got %d", h.count(t))
	}
}

func TestHandleGenerate(t *testing.T) {
	h := newHarness(t, QuotaBestEffort)
	h.buy(t, plans.TierBasic)
	handler := HandleGenerate(h.svc)

	post := func(userID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
		if userID != "" {
			req = req.WithContext(identity.WithUserID(req.Context(), userID))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	decode := func(rec *httptest.ResponseRecorder) generateResponse {
		var resp generateResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	}

	rec := post("", `{}`)
	if rec.Code != http.StatusUnauthorized || decode(rec).Error != "Unauthorized" {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = post(h.userID, `{not json`)
	if rec.Code != http.StatusBadRequest || decode(rec).Error != "Invalid JSON" {
		t.Fatalf("expected 400 Invalid JSON, got %d", rec.Code)
	}

	rec = post(h.userID, `{"imageBase64":"aGk=","genType":"poster"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for basic poster, got %d", rec.Code)
	}
	if resp := decode(rec); resp.Success || resp.Error != "Your plan does not include this feature" {
		t.Fatalf("unexpected body %+v", resp)
	}

	rec = post(h.userID, `{"imageBase64":"aGk=","genType":"portrait","extraPrompt":"gray backdrop"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(rec)
	if !resp.Success || resp.ImageMimeType != "image/png" || resp.ResultURL == "" {
		t.Fatalf("unexpected success body %+v", resp)
	}
	if img, _ := base64.StdEncoding.DecodeString(resp.ImageBase64); string(img) != "generated" {
		t.Fatalf("unexpected image payload %q", resp.ImageBase64)
	}

	rec = post(h.userID, `{"imageBase64":"aGk=","operationKind":"portrait"}`)
	if rec.Code != http.StatusForbidden || decode(rec).Error != "Generation limit reached" {
		t.Fatalf("expected quota refusal, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/generate", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
