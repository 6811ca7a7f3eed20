// Package plans defines the purchasable plan tiers, the operations and
// features each tier unlocks, and the per-tier generation quotas.
//
// It is shared by the server (entitlement checks) and the batch client
// (bundle composition) so both agree on the canonical names.
package plans

import (
	"fmt"
	"sort"
	"strings"
)

// Operation is one of the closed set of image transformations.
type Operation string

const (
	OperationPortrait   Operation = "portrait"   // Formal memorial portrait from a snapshot
	OperationColorize   Operation = "colorize"   // Restore and colorize an old photo
	OperationAttire     Operation = "attire"     // Replace clothing with formal attire
	OperationBackground Operation = "background" // Replace the background with a solemn backdrop
	OperationComposite  Operation = "composite"  // Compose a group memorial image
	OperationPoster     Operation = "poster"     // Memorial poster layout with text space
)

// Operations lists every operation kind in display order.
var Operations = []Operation{
	OperationPortrait,
	OperationColorize,
	OperationAttire,
	OperationBackground,
	OperationComposite,
	OperationPoster,
}

// Feature constants gate capabilities that are not image operations.
const (
	FeatureBatch = "batch" // Multi-photo batch processing
	FeaturePrint = "print" // Print-resolution delivery
	FeatureCloud = "cloud" // Cloud gallery retention
	FeatureAudit = "audit" // Manual review before delivery
)

// Tier represents a purchasable plan tier.
type Tier string

const (
	TierBasic  Tier = "basic"
	TierBundle Tier = "bundle"
	TierLegacy Tier = "legacy"
)

// tierAliases maps legacy product names onto canonical tiers.
var tierAliases = map[string]Tier{
	"standard": TierBundle,
	"premium":  TierLegacy,
}

// tierRanks orders tiers; a higher rank dominates a lower one.
var tierRanks = map[Tier]int{
	TierBasic:  1,
	TierBundle: 2,
	TierLegacy: 3,
}

var basicFeatures = []string{
	string(OperationPortrait),
	string(OperationAttire),
	string(OperationBackground),
}

var bundleFeatures = appendFeatures(basicFeatures,
	string(OperationPoster),
	FeaturePrint,
	FeatureCloud,
)

var legacyFeatures = appendFeatures(bundleFeatures,
	string(OperationColorize),
	string(OperationComposite),
	FeatureBatch,
	FeatureAudit,
)

// TierFeatures maps each tier to the features it includes.
var TierFeatures = map[Tier][]string{
	TierBasic:  basicFeatures,
	TierBundle: bundleFeatures,
	TierLegacy: legacyFeatures,
}

// TierQuotas is the lifetime generation ceiling per tier.
var TierQuotas = map[Tier]Quota{
	TierBasic:  Limited(1),
	TierBundle: Limited(3),
	TierLegacy: Limited(9),
}

func appendFeatures(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}

// ParseOperation validates s against the closed operation set.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Operations {
		if op == known {
			return op, true
		}
	}
	return "", false
}

// Valid reports whether op is a known operation kind.
func (op Operation) Valid() bool {
	_, ok := ParseOperation(string(op))
	return ok
}

// ParseTier resolves a tier name, accepting the standard/premium aliases.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := tierAliases[name]; ok {
		return alias, nil
	}
	tier := Tier(name)
	if _, ok := tierRanks[tier]; !ok {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return tier, nil
}

// Rank returns the tier's rank, or 0 for unknown tiers.
func Rank(tier Tier) int {
	return tierRanks[tier]
}

// Higher returns whichever tier ranks higher.
func Higher(a, b Tier) Tier {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// Tiers returns all tiers ordered from lowest to highest rank.
func Tiers() []Tier {
	out := make([]Tier, 0, len(tierRanks))
	for tier := range tierRanks {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return tierRanks[out[i]] < tierRanks[out[j]] })
	return out
}
