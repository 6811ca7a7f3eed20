package batch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// Bundle names.
const (
	BundleBasic  = "basic"
	BundleBundle = "bundle"
)

type bundleStep struct {
	label string
	op    plans.Operation
}

// bundles are fixed operation sequences run against one source image.
var bundles = map[string][]bundleStep{
	BundleBasic: {
		{label: "portrait", op: plans.OperationPortrait},
	},
	BundleBundle: {
		{label: "portrait", op: plans.OperationPortrait},
		{label: "poster", op: plans.OperationPoster},
		{label: "card", op: plans.OperationBackground},
	},
}

// BundleNames lists the known bundles.
func BundleNames() []string {
	return []string{BundleBasic, BundleBundle}
}

// NewBundle creates one item per bundle step, all reading path.
// "standard" is accepted as an alias of "bundle".
func NewBundle(path, name string) ([]*Item, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "standard" {
		key = BundleBundle
	}
	steps, ok := bundles[key]
	if !ok {
		return nil, fmt.Errorf("unknown bundle %q (want one of %s)", name, strings.Join(BundleNames(), ", "))
	}
	items := make([]*Item, 0, len(steps))
	for _, step := range steps {
		items = append(items, NewItem(path, step.op, step.label))
	}
	return items, nil
}

// NewQueue creates one item per path, all running op. Items are labelled
// by source file name, suffixed -2, -3 and so on until their delivery names
// are unique.
func NewQueue(paths []string, op plans.Operation) ([]*Item, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	items := make([]*Item, 0, len(paths))
	taken := make(map[string]bool, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		want := base + "-" + string(op)
		label := want
		for n := 2; taken[sanitizeLabel(label)]; n++ {
			label = fmt.Sprintf("%s-%d", want, n)
		}
		taken[sanitizeLabel(label)] = true
		items = append(items, NewItem(p, op, label))
	}
	return items, nil
}
