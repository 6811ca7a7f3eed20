package batch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

var errNoResult = errors.New("no image in response")

// Input is what the generator receives for one item.
type Input struct {
	Image       []byte
	MimeType    string
	Operation   plans.Operation
	ExtraPrompt string
}

// Generator performs one generation through the gateway.
type Generator interface {
	Generate(ctx context.Context, in Input) (*Output, error)
}

// Event is emitted on every item state change.
type Event struct {
	Index int
	From  Status
	Item  ItemState
}

// Observer receives events synchronously, in order.
type Observer func(Event)

// Options tune an Orchestrator.
type Options struct {
	Observer Observer
	ReadFile func(path string) ([]byte, error) // defaults to os.ReadFile
}

// Orchestrator processes items strictly one at a time in queue order.
type Orchestrator struct {
	gen      Generator
	observer Observer
	readFile func(string) ([]byte, error)
	logger   zerolog.Logger
}

// Summary reports the outcome of a run.
type Summary struct {
	Total     int
	Done      int
	Failed    int
	Skipped   int // already done before the run
	Pending   int // left untouched because the run was cancelled
	Cancelled bool
}

// New creates an Orchestrator.
func New(gen Generator, opts Options) *Orchestrator {
	read := opts.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	return &Orchestrator{
		gen:      gen,
		observer: opts.Observer,
		readFile: read,
		logger:   logging.New("batch"),
	}
}

// Run processes every pending item. Items already done are skipped, failed
// items stay failed unless Reset first, and one item's failure never stops
// the queue. Cancellation is checked between items; an item in flight is
// allowed to finish.
func (o *Orchestrator) Run(ctx context.Context, items []*Item) Summary {
	sum := Summary{Total: len(items)}
	sources := make(map[string]source)

	for i, it := range items {
		switch it.Status() {
		case StatusDone:
			sum.Skipped++
			continue
		case StatusError:
			sum.Failed++
			continue
		}
		if ctx.Err() != nil {
			sum.Cancelled = true
			sum.Pending++
			continue
		}

		if o.process(ctx, i, it, sources) {
			sum.Done++
		} else {
			sum.Failed++
		}
	}

	o.logger.Info().
		Int("total", sum.Total).
		Int("done", sum.Done).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Bool("cancelled", sum.Cancelled).
		Msg("Batch finished")
	return sum
}

type source struct {
	data     []byte
	mimeType string
	err      error
}

func (o *Orchestrator) process(ctx context.Context, index int, it *Item, sources map[string]source) bool {
	o.move(index, it, StatusProcessing, nil, "")

	src, ok := sources[it.Path]
	if !ok {
		data, err := o.readFile(it.Path)
		src = source{data: data, mimeType: DetectMimeType(it.Path, data), err: err}
		sources[it.Path] = src
	}
	if src.err != nil {
		o.move(index, it, StatusError, nil, fmt.Sprintf("read %s: %v", filepath.Base(it.Path), src.err))
		return false
	}

	out, err := o.gen.Generate(ctx, Input{
		Image:       src.data,
		MimeType:    src.mimeType,
		Operation:   it.Operation,
		ExtraPrompt: it.ExtraPrompt,
	})
	if err == nil && (out == nil || len(out.Image) == 0) {
		err = errNoResult
	}
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = "Failed"
		}
		o.logger.Warn().Err(err).Str("label", it.Label).Str("operation", string(it.Operation)).Msg("Batch item failed")
		o.move(index, it, StatusError, nil, msg)
		return false
	}
	if out.MimeType == "" {
		out.MimeType = "image/png"
	}
	o.move(index, it, StatusDone, out, "")
	return true
}

func (o *Orchestrator) move(index int, it *Item, to Status, out *Output, errMsg string) {
	from, err := it.transition(to, out, errMsg)
	if err != nil {
		// Only reachable if an item is shared between concurrent runs.
		o.logger.Error().Err(err).Msg("Batch state machine violation")
		return
	}
	if o.observer != nil {
		o.observer(Event{Index: index, From: from, Item: it.Snapshot()})
	}
}

// DetectMimeType sniffs data and falls back to the file extension, then to
// image/jpeg.
func DetectMimeType(path string, data []byte) string {
	if len(data) > 0 {
		if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); strings.HasPrefix(byExt, "image/") {
		return byExt
	}
	return "image/jpeg"
}
