package studio

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/memorial-studio/internal/entitlements"
	"github.com/rcourtman/memorial-studio/internal/studio/account"
	"github.com/rcourtman/memorial-studio/internal/studio/admin"
	"github.com/rcourtman/memorial-studio/internal/studio/gateway"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
	"github.com/rcourtman/memorial-studio/internal/studio/payments"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/usage"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *Config
	Registry     *registry.Registry
	Catalog      *plans.Catalog
	Identity     identity.Resolver
	Entitlements *entitlements.Store
	Usage        *usage.Counter
	Gateway      *gateway.Service
	Polar        payments.Provider // nil disables /api/webhooks/polar
	Stripe       payments.Provider // nil disables /api/webhooks/stripe
	Media        http.Handler      // nil unless media is stored locally
	Limiters     []*RateLimiter    // filled by RegisterRoutes for background pruning
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	withUser := func(next http.Handler) http.Handler {
		return identity.Middleware(deps.Identity, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are private by default.
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Registry, admin.StatusInfo{
		Version:   deps.Version,
		Products:  deps.Catalog.ProductCount(),
		QuotaMode: deps.Config.QuotaMode,
	})))
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}
	mux.Handle("/admin/payment-anomalies", adminAuth(admin.HandleListAnomalies(deps.Registry)))

	// Payment webhooks (signature-authenticated)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	intake := payments.NewIntake(deps.Registry, deps.Catalog)
	if deps.Polar != nil {
		mux.Handle("/api/webhooks/polar", webhookLimiter.Middleware(payments.NewWebhookHandler(deps.Polar, intake)))
	}
	if deps.Stripe != nil {
		mux.Handle("/api/webhooks/stripe", webhookLimiter.Middleware(payments.NewWebhookHandler(deps.Stripe, intake)))
	}

	// Generation gateway. The gateway reports a missing identity itself so
	// that authentication stays first in its validation order.
	generateLimiter := NewRateLimiter(30, time.Minute)
	mux.Handle("/api/generate", generateLimiter.Middleware(withUser(gateway.HandleGenerate(deps.Gateway))))

	// Account views (session-authenticated)
	mux.Handle("/api/orders", withUser(identity.RequireUser(account.HandleOrders(deps.Entitlements, deps.Usage))))
	mux.Handle("/api/gallery", withUser(identity.RequireUser(account.HandleGallery(deps.Registry))))

	if deps.Media != nil {
		mux.Handle("/media/", http.StripPrefix("/media", deps.Media))
	}

	deps.Limiters = append(deps.Limiters, webhookLimiter, generateLimiter)
}

// NewHandler returns the fully wrapped root handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return RequestIDMiddleware(SecurityHeaders(mux))
}
