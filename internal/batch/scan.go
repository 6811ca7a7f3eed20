package batch

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Scan thresholds for a source photo.
const (
	minScanDimension = 900
	maxScanBytes     = 8 * 1024 * 1024
	minAspectRatio   = 0.55
)

// Scan notes.
const (
	NoteResolutionLow = "resolution_low"
	NoteFileLarge     = "file_large"
	NoteRatioExtreme  = "ratio_extreme"
	NoteUnreadable    = "unreadable"
)

// ScanResult is a pre-flight quality check of a source photo.
type ScanResult struct {
	Width  int
	Height int
	Bytes  int
	Notes  []string
}

// OK reports whether the scan raised no warnings.
func (r ScanResult) OK() bool { return len(r.Notes) == 0 }

// Scan inspects data without fully decoding it. jpeg, png and webp headers
// are read; anything else (heic) is reported as unreadable, which is a
// warning only.
func Scan(data []byte) ScanResult {
	res := ScanResult{Bytes: len(data)}
	if len(data) > maxScanBytes {
		res.Notes = append(res.Notes, NoteFileLarge)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		res.Notes = append(res.Notes, NoteUnreadable)
		return res
	}
	res.Width, res.Height = cfg.Width, cfg.Height

	if cfg.Width < minScanDimension || cfg.Height < minScanDimension {
		res.Notes = append(res.Notes, NoteResolutionLow)
	}
	short, long := cfg.Width, cfg.Height
	if short > long {
		short, long = long, short
	}
	if long > 0 && float64(short)/float64(long) < minAspectRatio {
		res.Notes = append(res.Notes, NoteRatioExtreme)
	}
	return res
}
