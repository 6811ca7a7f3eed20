// Package gateway validates, authorizes, and dispatches image generation
// requests, then stores and records successful results.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/rcourtman/memorial-studio/internal/errors"
	"github.com/rcourtman/memorial-studio/internal/imagemodel"
	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
	"github.com/rcourtman/memorial-studio/internal/studio/storage"
	"github.com/rcourtman/memorial-studio/internal/studio/studiometrics"
	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// MaxImageBytes is the largest decoded image accepted (10 MiB).
const MaxImageBytes = 10 * 1024 * 1024

// Quota modes.
const (
	// QuotaBestEffort checks remaining quota before the model call and
	// records the generation afterwards. Concurrent requests may overshoot.
	QuotaBestEffort = "best_effort"
	// QuotaReserve claims quota atomically before the model call and
	// releases it if the call fails.
	QuotaReserve = "reserve"
)

// User-facing messages.
const (
	msgUnauthorized    = "Unauthorized"
	msgMissingFields   = "Missing imageBase64 or genType"
	msgTooLarge        = "File too large (max 10MB)"
	msgInvalidBase64   = "imageBase64 is not valid base64"
	msgNotEntitled     = "Your plan does not include this feature"
	msgLimitReached    = "Generation limit reached"
	msgNoImage         = "AI did not return an image"
	msgModelFailed     = "Image generation failed"
	msgInternalFailure = "Generation failed"
)

var supportedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// Entitlements answers feature checks for a user.
type Entitlements interface {
	CanUseFeature(ctx context.Context, userID, feature string) (bool, error)
}

// Usage tracks remaining quota and, in reserve mode, claims it.
type Usage interface {
	Remaining(ctx context.Context, userID string) (plans.Quota, error)
	Reserve(ctx context.Context, g *registry.Generation) (bool, error)
	Complete(ctx context.Context, id, originalURL, resultURL string) error
	Release(ctx context.Context, id string) error
}

// Recorder appends generation records.
type Recorder interface {
	InsertGeneration(ctx context.Context, g *registry.Generation) error
}

// Config tunes the gateway.
type Config struct {
	QuotaMode     string
	MaxImageBytes int
}

// Service is the generation gateway.
type Service struct {
	entitlements Entitlements
	usage        Usage
	recorder     Recorder
	model        imagemodel.Generator
	store        storage.ObjectStore // nil disables uploads
	quotaMode    string
	maxBytes     int
	now          func() time.Time
}

// NewService wires the gateway. store may be nil.
func NewService(cfg Config, ent Entitlements, usage Usage, recorder Recorder, model imagemodel.Generator, store storage.ObjectStore) *Service {
	mode := strings.TrimSpace(cfg.QuotaMode)
	if mode != QuotaReserve {
		mode = QuotaBestEffort
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	return &Service{
		entitlements: ent,
		usage:        usage,
		recorder:     recorder,
		model:        model,
		store:        store,
		quotaMode:    mode,
		maxBytes:     maxBytes,
		now:          time.Now,
	}
}

// Request is a caller's generation request.
type Request struct {
	UserID            string
	ImageBase64       string
	MimeType          string
	Operation         string
	ExtraInstructions string
}

// Result is a successful generation.
type Result struct {
	Image     []byte
	MimeType  string
	ResultURL string // empty when the upload failed or storage is disabled
}

type validated struct {
	userID    string
	op        plans.Operation
	image     []byte
	mimeType  string
	extra     string
	settings  map[string]string
	reserveID string
}

// Generate runs one request through validation, authorization, dispatch,
// and post-processing. Every failure is a *apperrors.GenerationError.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	logger := logging.FromContext(ctx)

	v, err := s.validate(req)
	if err != nil {
		s.observe(req.Operation, err)
		return nil, err
	}
	logger = logger.With().Str("user_id", v.userID).Str("operation", string(v.op)).Logger()

	if err := s.authorize(ctx, v); err != nil {
		s.observe(string(v.op), err)
		logger.Info().Str("reason", string(apperrors.KindOf(err))).Msg("Generation refused")
		return nil, err
	}

	start := s.now()
	out, err := s.model.Generate(ctx, imagemodel.Request{
		Image:             v.image,
		MimeType:          v.mimeType,
		Operation:         v.op,
		ExtraInstructions: v.extra,
	})
	studiometrics.ModelDuration.WithLabelValues(string(v.op)).Observe(s.now().Sub(start).Seconds())
	if err == nil && (out == nil || len(out.Image) == 0) {
		err = apperrors.ErrModelNoOutput
	}
	if err != nil {
		s.release(ctx, v)
		genErr := classifyModelError(err)
		s.observe(string(v.op), genErr)
		logger.Warn().Err(err).Msg("Image model call failed")
		return nil, genErr
	}

	mimeType := out.MimeType
	if mimeType == "" {
		mimeType = imagemodel.DefaultOutputMimeType
	}
	result := &Result{Image: out.Image, MimeType: mimeType}

	// Post-processing failures are logged, never returned: the caller
	// already has the image.
	postCtx := context.WithoutCancel(ctx)
	result.ResultURL = s.upload(postCtx, v, result)
	s.record(postCtx, v, result.ResultURL)

	s.observe(string(v.op), nil)
	logger.Info().Bool("stored", result.ResultURL != "").Msg("Generation delivered")
	return result, nil
}

func (s *Service) validate(req Request) (*validated, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "validate", msgUnauthorized, nil)
	}

	payload, mimeFromURI := stripDataURI(strings.TrimSpace(req.ImageBase64))
	opName := strings.TrimSpace(req.Operation)
	if payload == "" || opName == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "validate", msgMissingFields, nil)
	}

	if decodedSize(payload) > s.maxBytes {
		return nil, apperrors.New(apperrors.KindPayloadTooLarge, "validate", msgTooLarge, nil)
	}

	op, ok := plans.ParseOperation(opName)
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalidOperation, "validate", "Invalid genType: "+opName, nil)
	}

	mimeType := strings.ToLower(strings.TrimSpace(req.MimeType))
	if mimeType == "" {
		mimeType = mimeFromURI
	}
	if mimeType == "" {
		mimeType = imagemodel.DefaultInputMimeType
	}
	if !supportedMimeTypes[mimeType] {
		return nil, apperrors.New(apperrors.KindInvalidInput, "validate", "Unsupported image type: "+mimeType, nil)
	}

	image, err := decodeBase64(payload)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInvalidInput, "validate", msgInvalidBase64, err)
	}
	if len(image) > s.maxBytes {
		return nil, apperrors.New(apperrors.KindPayloadTooLarge, "validate", msgTooLarge, nil)
	}

	extra := strings.TrimSpace(req.ExtraInstructions)
	var settings map[string]string
	if extra != "" {
		settings = map[string]string{"extraPrompt": extra}
	}

	return &validated{
		userID:   userID,
		op:       op,
		image:    image,
		mimeType: mimeType,
		extra:    extra,
		settings: settings,
	}, nil
}

func (s *Service) authorize(ctx context.Context, v *validated) error {
	allowed, err := s.entitlements.CanUseFeature(ctx, v.userID, string(v.op))
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "authorize", msgInternalFailure, err)
	}
	if !allowed {
		return apperrors.New(apperrors.KindFeatureNotEntitled, "authorize", msgNotEntitled, nil)
	}

	if s.quotaMode == QuotaReserve {
		g := &registry.Generation{UserID: v.userID, Operation: v.op, Settings: v.settings}
		reserved, err := s.usage.Reserve(ctx, g)
		if err != nil {
			return apperrors.New(apperrors.KindInternal, "authorize", msgInternalFailure, err)
		}
		if !reserved {
			return apperrors.New(apperrors.KindQuotaExhausted, "authorize", msgLimitReached, nil)
		}
		v.reserveID = g.ID
		return nil
	}

	remaining, err := s.usage.Remaining(ctx, v.userID)
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "authorize", msgInternalFailure, err)
	}
	if remaining.Exhausted() {
		return apperrors.New(apperrors.KindQuotaExhausted, "authorize", msgLimitReached, nil)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, v *validated, result *Result) string {
	if s.store == nil {
		return ""
	}
	key := storage.ObjectKey(v.userID, v.op, result.MimeType, s.now())
	url, err := s.store.Put(ctx, key, result.Image, result.MimeType)
	if err != nil {
		studiometrics.PostProcessFailures.WithLabelValues("upload").Inc()
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Str("key", key).Msg("Result upload failed; returning image without URL")
		return ""
	}
	return url
}

func (s *Service) record(ctx context.Context, v *validated, resultURL string) {
	var err error
	if v.reserveID != "" {
		err = s.usage.Complete(ctx, v.reserveID, "", resultURL)
	} else {
		err = s.recorder.InsertGeneration(ctx, &registry.Generation{
			UserID:    v.userID,
			Operation: v.op,
			ResultURL: resultURL,
			Settings:  v.settings,
		})
	}
	if err != nil {
		// The generation was delivered but not counted.
		studiometrics.PostProcessFailures.WithLabelValues("record").Inc()
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("user_id", v.userID).Msg("Generation record insert failed")
	}
}

func (s *Service) release(ctx context.Context, v *validated) {
	if v.reserveID == "" {
		return
	}
	if err := s.usage.Release(context.WithoutCancel(ctx), v.reserveID); err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("generation_id", v.reserveID).Msg("Failed to release quota reservation")
	}
}

func (s *Service) observe(op string, err error) {
	if _, ok := plans.ParseOperation(op); !ok {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
	}
	studiometrics.GenerationsTotal.WithLabelValues(op, outcome).Inc()
}

func classifyModelError(err error) error {
	if errors.Is(err, apperrors.ErrModelNoOutput) {
		return apperrors.New(apperrors.KindModelNoOutput, "dispatch", msgNoImage, err)
	}
	return apperrors.New(apperrors.KindModelFailed, "dispatch", msgModelFailed, err)
}

// stripDataURI removes a "data:<mime>;base64," prefix and returns the mime type it named.
func stripDataURI(s string) (string, string) {
	if !strings.HasPrefix(s, "data:") {
		return s, ""
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return s, ""
	}
	meta := strings.TrimPrefix(s[:comma], "data:")
	mimeType, _, _ := strings.Cut(meta, ";")
	return s[comma+1:], strings.ToLower(mimeType)
}

// decodedSize returns the byte length s decodes to without decoding it.
// Line breaks are skipped, as the decoder skips them.
func decodedSize(s string) int {
	n, padding := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n':
			continue
		case '=':
			padding++
		}
		n++
	}
	return (n - padding) * 3 / 4
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("decode image: %w", err)
}
