package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcourtman/memorial-studio/internal/batch"
	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studioclient"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

type batchOptions struct {
	server string
	token  string
	op     string
	bundle string
	prompt string
	outDir string
	noScan bool
}

// newGenerator is swapped in tests.
var newGenerator = func(server, token string) (batch.Generator, error) {
	return studioclient.New(server, token, nil)
}

func newBatchCmd() *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch FILES...",
		Short: "Run photos through a studio server one at a time",
		Long: `Run one operation over many photos (--op), or a fixed bundle of
operations over a single photo (--bundle). Results are written to --out as
memorial-<label>.<ext>. A failed item never stops the rest of the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", os.Getenv("STUDIO_SERVER"), "studio server base URL (env STUDIO_SERVER)")
	f.StringVar(&opts.token, "token", os.Getenv("STUDIO_TOKEN"), "session token (env STUDIO_TOKEN)")
	f.StringVar(&opts.op, "op", "", "operation to apply to every file: "+operationList())
	f.StringVar(&opts.bundle, "bundle", "", "bundle to apply to a single file: "+strings.Join(batch.BundleNames(), ", "))
	f.StringVar(&opts.prompt, "prompt", "", "additional instructions sent with every item")
	f.StringVar(&opts.outDir, "out", ".", "directory results are written to")
	f.BoolVar(&opts.noScan, "no-scan", false, "skip the source photo quality scan")
	cmd.MarkFlagsMutuallyExclusive("op", "bundle")
	cmd.MarkFlagsOneRequired("op", "bundle")
	return cmd
}

func operationList() string {
	names := make([]string, 0, len(plans.Operations))
	for _, op := range plans.Operations {
		names = append(names, string(op))
	}
	return strings.Join(names, ", ")
}

func runBatch(cmd *cobra.Command, opts *batchOptions, files []string) error {
	if strings.TrimSpace(opts.server) == "" {
		return errors.New("--server is required")
	}

	items, err := buildItems(opts, files)
	if err != nil {
		return err
	}
	for _, it := range items {
		it.ExtraPrompt = opts.prompt
	}

	out := cmd.OutOrStdout()
	if !opts.noScan {
		scanSources(out, files)
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	gen, err := newGenerator(opts.server, opts.token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	total := len(items)
	orch := batch.New(gen, batch.Options{Observer: func(e batch.Event) {
		switch e.Item.Status {
		case batch.StatusProcessing:
			fmt.Fprintf(out, "[%d/%d] %s: processing\n", e.Index+1, total, e.Item.Label)
		case batch.StatusDone:
			fmt.Fprintf(out, "[%d/%d] %s: done\n", e.Index+1, total, e.Item.Label)
		case batch.StatusError:
			fmt.Fprintf(out, "[%d/%d] %s: error: %s\n", e.Index+1, total, e.Item.Label, e.Item.Error)
		}
	}})
	sum := orch.Run(ctx, items)

	for _, it := range items {
		st := it.Snapshot()
		if st.Status != batch.StatusDone || st.Result == nil {
			continue
		}
		path := filepath.Join(opts.outDir, it.DeliveryName())
		if err := os.WriteFile(path, st.Result.Image, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(out, "wrote %s\n", path)
	}

	fmt.Fprintf(out, "%d done, %d failed", sum.Done, sum.Failed)
	if sum.Pending > 0 {
		fmt.Fprintf(out, ", %d not started", sum.Pending)
	}
	fmt.Fprintln(out)

	switch {
	case sum.Cancelled:
		return errors.New("batch cancelled")
	case sum.Failed > 0:
		return fmt.Errorf("%d of %d items failed", sum.Failed, sum.Total)
	}
	return nil
}

func buildItems(opts *batchOptions, files []string) ([]*batch.Item, error) {
	if opts.bundle != "" {
		if len(files) != 1 {
			return nil, fmt.Errorf("--bundle takes exactly one file, got %d", len(files))
		}
		return batch.NewBundle(files[0], opts.bundle)
	}
	op, ok := plans.ParseOperation(opts.op)
	if !ok {
		return nil, fmt.Errorf("unknown operation %q (want one of %s)", opts.op, operationList())
	}
	return batch.NewQueue(files, op)
}

func scanSources(out io.Writer, files []string) {
	logger := logging.New("batch")
	seen := make(map[string]bool, len(files))
	for _, path := range files {
		if seen[path] {
			continue
		}
		seen[path] = true
		data, err := os.ReadFile(path)
		if err != nil {
			// Reported per item by the orchestrator.
			logger.Debug().Err(err).Str("path", path).Msg("Scan skipped")
			continue
		}
		res := batch.Scan(data)
		if !res.OK() {
			fmt.Fprintf(out, "warning: %s: %s\n", filepath.Base(path), strings.Join(res.Notes, ", "))
		}
	}
}
