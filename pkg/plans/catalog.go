package plans

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TierPolicy is the permission set and quota attached to a tier.
type TierPolicy struct {
	Features []string
	Quota    Quota
}

// Catalog binds tiers to policies and payment-provider products to tiers.
// A Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	tiers    map[Tier]TierPolicy
	products map[string]Tier
}

// DefaultCatalog returns the built-in tier policies with no products bound.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		tiers:    make(map[Tier]TierPolicy, len(TierFeatures)),
		products: make(map[string]Tier),
	}
	for tier, features := range TierFeatures {
		c.tiers[tier] = TierPolicy{
			Features: append([]string(nil), features...),
			Quota:    TierQuotas[tier],
		}
	}
	return c
}

// NewCatalog returns the default policies with products bound to tiers.
// Product ids that are empty are skipped.
func NewCatalog(products map[string]Tier) *Catalog {
	c := DefaultCatalog()
	for productID, tier := range products {
		productID = strings.TrimSpace(productID)
		if productID == "" {
			continue
		}
		c.products[productID] = tier
	}
	return c
}

// Policy returns the tier's policy.
func (c *Catalog) Policy(tier Tier) (TierPolicy, bool) {
	p, ok := c.tiers[tier]
	return p, ok
}

// HasFeature reports whether tier's permission set contains feature.
func (c *Catalog) HasFeature(tier Tier, feature string) bool {
	p, ok := c.tiers[tier]
	if !ok {
		return false
	}
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Quota returns the tier's generation ceiling.
func (c *Catalog) Quota(tier Tier) (Quota, bool) {
	p, ok := c.tiers[tier]
	if !ok {
		return Quota{}, false
	}
	return p.Quota, true
}

// TierForProduct maps a payment-provider product id onto a tier.
func (c *Catalog) TierForProduct(productID string) (Tier, bool) {
	tier, ok := c.products[strings.TrimSpace(productID)]
	return tier, ok
}

// ProductCount returns how many products are bound.
func (c *Catalog) ProductCount() int {
	return len(c.products)
}

type catalogFile struct {
	Tiers map[string]struct {
		Quota    *Quota   `yaml:"quota"`
		Features []string `yaml:"features"`
	} `yaml:"tiers"`
	Products map[string]string `yaml:"products"`
}

// LoadCatalogFile overlays the YAML file at path onto base and returns the
// merged catalog. Tiers may override their quota and features; tier names
// outside the known set are rejected.
func LoadCatalogFile(path string, base *Catalog) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParseCatalog(data, base)
}

// ParseCatalog overlays YAML catalog data onto base.
func ParseCatalog(data []byte, base *Catalog) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if base == nil {
		base = DefaultCatalog()
	}

	out := &Catalog{
		tiers:    make(map[Tier]TierPolicy, len(base.tiers)),
		products: make(map[string]Tier, len(base.products)+len(file.Products)),
	}
	for tier, p := range base.tiers {
		out.tiers[tier] = p
	}
	for productID, tier := range base.products {
		out.products[productID] = tier
	}

	for name, override := range file.Tiers {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("plan catalog: %w", err)
		}
		policy := out.tiers[tier]
		if override.Quota != nil {
			policy.Quota = *override.Quota
		}
		if override.Features != nil {
			policy.Features = append([]string(nil), override.Features...)
		}
		out.tiers[tier] = policy
	}

	for productID, name := range file.Products {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("plan catalog product %q: %w", productID, err)
		}
		out.products[strings.TrimSpace(productID)] = tier
	}
	return out, nil
}
