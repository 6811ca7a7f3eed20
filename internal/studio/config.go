// Package studio wires the memorial photo studio HTTP service.
package studio

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/memorial-studio/internal/studio/gateway"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds all configuration for the studio service.
type Config struct {
	DataDir       string
	BindAddress   string
	Port          int
	PublicBaseURL string
	AdminKey      string
	PublicMetrics bool
	LogFormat     string
	LogLevel      string

	SessionSecret string
	SessionCookie string
	OIDCIssuer    string // optional; enables ID-token bearer auth with OIDCClientID
	OIDCClientID  string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	GeminiTimeout time.Duration

	PolarWebhookSecret  string
	StripeWebhookSecret string

	ProductIDs  map[plans.Tier]string
	CatalogFile string // optional YAML overlay
	QuotaMode   string

	StorageBackend       string
	StorageBucket        string
	S3Endpoint           string
	S3Region             string
	S3AccessKeyID        string
	S3SecretAccessKey    string
	StoragePublicBaseURL string
}

// RegistryDir returns the directory holding the SQLite database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "db")
}

// MediaDir returns the directory the local storage backend writes to.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// MediaBaseURL is the public URL prefix for locally stored media.
func (c *Config) MediaBaseURL() string {
	if c.StoragePublicBaseURL != "" {
		return c.StoragePublicBaseURL
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + "/media"
}

// LoadConfig loads studio configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("STUDIO_PORT", 8080)
	if err != nil {
		return nil, err
	}
	timeout, err := envOrDefaultDuration("GEMINI_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("STUDIO_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:       envOrDefault("STUDIO_DATA_DIR", "/data"),
		BindAddress:   envOrDefault("STUDIO_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		PublicBaseURL: strings.TrimSpace(os.Getenv("STUDIO_PUBLIC_BASE_URL")),
		AdminKey:      strings.TrimSpace(os.Getenv("STUDIO_ADMIN_KEY")),
		PublicMetrics: publicMetrics,
		LogFormat:     envOrDefault("LOG_FORMAT", "auto"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),

		SessionSecret: strings.TrimSpace(os.Getenv("STUDIO_SESSION_SECRET")),
		SessionCookie: envOrDefault("STUDIO_SESSION_COOKIE", "studio-session"),
		OIDCIssuer:    strings.TrimSpace(os.Getenv("STUDIO_OIDC_ISSUER")),
		OIDCClientID:  strings.TrimSpace(os.Getenv("STUDIO_OIDC_CLIENT_ID")),

		GeminiAPIKey:  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:   envOrDefault("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL: strings.TrimSpace(os.Getenv("GEMINI_BASE_URL")),
		GeminiTimeout: timeout,

		PolarWebhookSecret:  strings.TrimSpace(os.Getenv("POLAR_WEBHOOK_SECRET")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		ProductIDs: map[plans.Tier]string{
			plans.TierBasic:  strings.TrimSpace(os.Getenv("PRODUCT_ID_BASIC")),
			plans.TierBundle: firstEnv("PRODUCT_ID_BUNDLE", "PRODUCT_ID_STANDARD"),
			plans.TierLegacy: firstEnv("PRODUCT_ID_LEGACY", "PRODUCT_ID_PREMIUM"),
		},
		CatalogFile: strings.TrimSpace(os.Getenv("STUDIO_PLAN_CATALOG")),
		QuotaMode:   envOrDefault("STUDIO_QUOTA_MODE", gateway.QuotaBestEffort),

		StorageBackend:       strings.ToLower(envOrDefault("STORAGE_BACKEND", StorageLocal)),
		StorageBucket:        envOrDefault("STORAGE_BUCKET", "funeral-photos"),
		S3Endpoint:           strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3Region:             envOrDefault("S3_REGION", "us-east-1"),
		S3AccessKeyID:        strings.TrimSpace(os.Getenv("S3_ACCESS_KEY_ID")),
		S3SecretAccessKey:    strings.TrimSpace(os.Getenv("S3_SECRET_ACCESS_KEY")),
		StoragePublicBaseURL: strings.TrimSpace(os.Getenv("STORAGE_PUBLIC_BASE_URL")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate studio config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.PublicBaseURL == "" {
		missing = append(missing, "STUDIO_PUBLIC_BASE_URL")
	}
	if c.AdminKey == "" {
		missing = append(missing, "STUDIO_ADMIN_KEY")
	}
	if c.SessionSecret == "" {
		missing = append(missing, "STUDIO_SESSION_SECRET")
	}
	if c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.PolarWebhookSecret == "" && c.StripeWebhookSecret == "" {
		missing = append(missing, "POLAR_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("STUDIO_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("STUDIO_SESSION_SECRET must be at least 32 characters")
	}
	if (c.OIDCIssuer == "") != (c.OIDCClientID == "") {
		return fmt.Errorf("STUDIO_OIDC_ISSUER and STUDIO_OIDC_CLIENT_ID must be set together")
	}
	if c.GeminiTimeout <= 0 {
		return fmt.Errorf("GEMINI_TIMEOUT must be greater than 0, got %s", c.GeminiTimeout)
	}

	switch c.QuotaMode {
	case gateway.QuotaBestEffort, gateway.QuotaReserve:
	default:
		return fmt.Errorf("STUDIO_QUOTA_MODE must be %q or %q, got %q", gateway.QuotaBestEffort, gateway.QuotaReserve, c.QuotaMode)
	}

	switch c.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for the s3 storage backend")
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageLocal, StorageS3, c.StorageBackend)
	}

	if err := validateHTTPURL("STUDIO_PUBLIC_BASE_URL", c.PublicBaseURL); err != nil {
		return err
	}
	if c.StoragePublicBaseURL != "" {
		if err := validateHTTPURL("STORAGE_PUBLIC_BASE_URL", c.StoragePublicBaseURL); err != nil {
			return err
		}
	}
	return nil
}

// Catalog builds the plan catalog from the product-id environment and the
// optional YAML overlay.
func (c *Config) Catalog() (*plans.Catalog, error) {
	products := make(map[string]plans.Tier, len(c.ProductIDs))
	for tier, productID := range c.ProductIDs {
		if productID != "" {
			products[productID] = tier
		}
	}
	base := plans.NewCatalog(products)
	if c.CatalogFile == "" {
		return base, nil
	}
	return plans.LoadCatalogFile(c.CatalogFile, base)
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration such as 120s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
