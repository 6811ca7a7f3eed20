package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrUnauthenticated    = errors.New("unauthorized")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrFeatureNotEntitled = errors.New("feature not entitled")
	ErrQuotaExhausted     = errors.New("quota exhausted")
	ErrModelNoOutput      = errors.New("model returned no image")
	ErrModelFailed        = errors.New("model failed")
	ErrStorageFailed      = errors.New("storage failed")
	ErrInternal           = errors.New("internal error")
)

// Kind represents the category of a generation failure.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindInvalidInput       Kind = "invalid_input"
	KindInvalidOperation   Kind = "invalid_operation"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindFeatureNotEntitled Kind = "feature_not_entitled"
	KindQuotaExhausted     Kind = "quota_exhausted"
	KindModelNoOutput      Kind = "model_no_output"
	KindModelFailed        Kind = "model_failed"
	KindStorageFailed      Kind = "storage_failed"
	KindInternal           Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindUnauthenticated:    ErrUnauthenticated,
	KindInvalidInput:       ErrInvalidInput,
	KindInvalidOperation:   ErrInvalidOperation,
	KindPayloadTooLarge:    ErrPayloadTooLarge,
	KindFeatureNotEntitled: ErrFeatureNotEntitled,
	KindQuotaExhausted:     ErrQuotaExhausted,
	KindModelNoOutput:      ErrModelNoOutput,
	KindModelFailed:        ErrModelFailed,
	KindStorageFailed:      ErrStorageFailed,
	KindInternal:           ErrInternal,
}

// GenerationError is a structured error for generation requests.
type GenerationError struct {
	Kind    Kind
	Op      string // operation that failed (e.g. "validate", "dispatch")
	Message string // user-facing message
	Err     error  // underlying error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *GenerationError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// HTTPStatus maps the error kind onto the status code returned to callers.
func (e *GenerationError) HTTPStatus() int {
	return StatusForKind(e.Kind)
}

// New creates a new GenerationError.
func New(kind Kind, op, message string, err error) *GenerationError {
	return &GenerationError{
		Kind:    kind,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// StatusForKind returns the HTTP status for a failure kind.
func StatusForKind(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidInput, KindInvalidOperation, KindPayloadTooLarge:
		return http.StatusBadRequest
	case KindFeatureNotEntitled, KindQuotaExhausted:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the failure kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// PublicMessage returns the message safe to show to an end user.
func PublicMessage(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) && genErr.Message != "" {
		return genErr.Message
	}
	return "Generation failed"
}

// IsRetryableError reports whether a failure might succeed on a later attempt.
// Entitlement and validation failures never do.
func IsRetryableError(err error) bool {
	switch KindOf(err) {
	case KindModelFailed, KindModelNoOutput, KindStorageFailed, KindInternal:
		return true
	default:
		return false
	}
}
