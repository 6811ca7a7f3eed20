package studio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/memorial-studio/internal/entitlements"
	"github.com/rcourtman/memorial-studio/internal/imagemodel"
	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/gateway"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
	"github.com/rcourtman/memorial-studio/internal/studio/payments"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/studio/storage"
	"github.com/rcourtman/memorial-studio/internal/usage"
)

const (
	shutdownTimeout     = 30 * time.Second
	limiterPruneEvery   = 5 * time.Minute
	serverReadHeaderTTL = 15 * time.Second
	serverIdleTTL       = 120 * time.Second
)

// Run starts the studio HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "studio",
	})
	log.Info().Str("version", version).Msg("Starting memorial studio")

	deps, closeDeps, err := BuildDeps(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer closeDeps()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: serverReadHeaderTTL,
		IdleTimeout:       serverIdleTTL,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Studio listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	for _, rl := range deps.Limiters {
		g.Go(func() error { return rl.RunPruner(gctx, limiterPruneEvery) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Studio stopped")
	return err
}

// BuildDeps constructs every client the handlers need. The returned func
// releases them.
func BuildDeps(ctx context.Context, cfg *Config, version string) (*Deps, func(), error) {
	if err := os.MkdirAll(cfg.RegistryDir(), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create registry dir: %w", err)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, nil, fmt.Errorf("load plan catalog: %w", err)
	}
	if catalog.ProductCount() == 0 {
		log.Warn().Msg("No product ids configured; every paid order will be recorded as an anomaly")
	}

	reg, err := registry.NewRegistry(cfg.RegistryDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	closeAll := func() { _ = reg.Close() }
	fail := func(err error) (*Deps, func(), error) {
		closeAll()
		return nil, nil, err
	}

	store, media, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	resolvers := identity.Chain{
		identity.NewSessionResolver([]byte(cfg.SessionSecret), cfg.SessionCookie, reg),
	}
	if cfg.OIDCIssuer != "" {
		oidcResolver, err := identity.NewOIDCResolver(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, reg)
		if err != nil {
			return fail(fmt.Errorf("init oidc: %w", err))
		}
		resolvers = append(resolvers, oidcResolver)
		log.Info().Str("issuer", cfg.OIDCIssuer).Msg("OIDC bearer tokens accepted")
	}

	deps := &Deps{
		Config:   cfg,
		Registry: reg,
		Catalog:  catalog,
		Identity: resolvers,
		Media:    media,
		Version:  version,
	}

	if cfg.PolarWebhookSecret != "" {
		polar, err := payments.NewPolarProvider(cfg.PolarWebhookSecret)
		if err != nil {
			return fail(err)
		}
		deps.Polar = polar
	}
	if cfg.StripeWebhookSecret != "" {
		deps.Stripe = payments.NewStripeProvider(cfg.StripeWebhookSecret)
	}

	deps.Entitlements = entitlements.NewStore(reg, catalog)
	deps.Usage = usage.NewCounter(deps.Entitlements, reg, catalog)
	model := imagemodel.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.GeminiTimeout)
	deps.Gateway = gateway.NewService(gateway.Config{QuotaMode: cfg.QuotaMode}, deps.Entitlements, deps.Usage, reg, model, store)

	log.Info().
		Str("model", model.Model()).
		Str("storage", cfg.StorageBackend).
		Str("quota_mode", cfg.QuotaMode).
		Int("products", catalog.ProductCount()).
		Msg("Studio dependencies ready")
	return deps, closeAll, nil
}

func buildObjectStore(ctx context.Context, cfg *Config) (storage.ObjectStore, http.Handler, error) {
	switch cfg.StorageBackend {
	case StorageS3:
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.StorageBucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.StoragePublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return s3Store, nil, nil
	default:
		local, err := storage.NewLocalStore(cfg.MediaDir(), cfg.MediaBaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		return local, local.Handler(), nil
	}
}
