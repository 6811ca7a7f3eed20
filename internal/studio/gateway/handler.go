package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/rcourtman/memorial-studio/internal/errors"
	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/identity"
)

// requestBodyLimit leaves room for base64 expansion of a 10 MiB image plus
// the JSON envelope.
const requestBodyLimit = 16 * 1024 * 1024

type generateRequest struct {
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType,omitempty"`
	GenType     string `json:"genType"`
	Operation   string `json:"operationKind,omitempty"`
	ExtraPrompt string `json:"extraPrompt,omitempty"`
}

type generateResponse struct {
	Success       bool   `json:"success"`
	ImageBase64   string `json:"imageBase64,omitempty"`
	ImageMimeType string `json:"imageMimeType,omitempty"`
	ResultURL     string `json:"resultUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HandleGenerate serves POST /api/generate. The caller's identity must
// already be on the request context (see identity.Middleware).
func HandleGenerate(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, generateResponse{Error: "method not allowed"})
			return
		}

		userID := identity.UserID(r.Context())
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, generateResponse{Error: msgUnauthorized})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		var body generateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusBadRequest, generateResponse{Error: msgTooLarge})
				return
			}
			writeJSON(w, http.StatusBadRequest, generateResponse{Error: "Invalid JSON"})
			return
		}

		op := body.GenType
		if op == "" {
			op = body.Operation
		}

		result, err := svc.Generate(r.Context(), Request{
			UserID:            userID,
			ImageBase64:       body.ImageBase64,
			MimeType:          body.MimeType,
			Operation:         op,
			ExtraInstructions: body.ExtraPrompt,
		})
		if err != nil {
			status := apperrors.StatusForKind(apperrors.KindOf(err))
			if status >= http.StatusInternalServerError {
				logger := logging.FromContext(r.Context())
				logger.Error().
					Err(err).
					Bool("retryable", apperrors.IsRetryableError(err)).
					Msg("Generation failed")
			}
			writeJSON(w, status, generateResponse{Error: apperrors.PublicMessage(err)})
			return
		}

		writeJSON(w, http.StatusOK, generateResponse{
			Success:       true,
			ImageBase64:   base64.StdEncoding.EncodeToString(result.Image),
			ImageMimeType: result.MimeType,
			ResultURL:     result.ResultURL,
		})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.New("gateway")
		logger.Error().Err(err).Int("status", status).Msg("encode generate response")
	}
}
