// Package batch drives a queue of source images through the generation
// gateway one item at a time and tracks each item's lifecycle.
package batch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// Status is a batch item's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether s is done or error.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusDone, StatusError},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Output is a delivered result.
type Output struct {
	Image     []byte
	MimeType  string
	ResultURL string // empty when the server did not persist the result
}

// Item is one unit of batch work. Items are mutated only by the
// orchestrator; read them through Snapshot while a run is in progress.
type Item struct {
	Path        string
	Label       string
	Operation   plans.Operation
	ExtraPrompt string

	mu     sync.Mutex
	status Status
	result *Output
	err    string
}

// NewItem creates a pending item. The label defaults to the operation.
func NewItem(path string, op plans.Operation, label string) *Item {
	if label == "" {
		label = string(op)
	}
	return &Item{Path: path, Label: label, Operation: op, status: StatusPending}
}

// ItemState is a point-in-time copy of an item's mutable fields.
type ItemState struct {
	Path      string
	Label     string
	Operation plans.Operation
	Status    Status
	Result    *Output
	Error     string
}

// Snapshot returns a copy of the item's current state.
func (it *Item) Snapshot() ItemState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return ItemState{
		Path:      it.Path,
		Label:     it.Label,
		Operation: it.Operation,
		Status:    it.status,
		Result:    it.result,
		Error:     it.err,
	}
}

// Status returns the item's current status.
func (it *Item) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// Reset returns a failed item to pending so a manual re-run picks it up.
// Items that are done stay done.
func (it *Item) Reset() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.status != StatusError {
		return false
	}
	it.status = StatusPending
	it.err = ""
	return true
}

func (it *Item) transition(to Status, result *Output, errMsg string) (Status, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	from := it.status
	if !canTransition(from, to) {
		return from, fmt.Errorf("batch item %s: invalid transition %s -> %s", it.Label, from, to)
	}
	it.status = to
	if result != nil {
		it.result = result
	}
	it.err = errMsg
	return from, nil
}

// DeliveryName is the file name a finished item is saved under:
// memorial-<label>.<png|jpg>.
func (it *Item) DeliveryName() string {
	st := it.Snapshot()
	ext := "jpg"
	if st.Result == nil || st.Result.MimeType == "" || strings.Contains(st.Result.MimeType, "png") {
		ext = "png"
	}
	return fmt.Sprintf("memorial-%s.%s", sanitizeLabel(st.Label), ext)
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
