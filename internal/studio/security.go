package studio

import (
	"net/http"
	"strings"

	"github.com/rcourtman/memorial-studio/internal/logging"
)

// SecurityHeaders sets response headers for a JSON API that also serves
// generated images from /media.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware assigns every request an id (reusing a sane incoming
// X-Request-ID), echoes it in the response and scopes a logger to it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incoming := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if len(incoming) > 128 {
			incoming = ""
		}
		ctx, id := logging.WithRequestID(r.Context(), incoming)
		w.Header().Set("X-Request-ID", id)

		logger := logging.FromContext(ctx).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(ctx, logger)))
	})
}
