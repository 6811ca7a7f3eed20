// Package storage persists generated images and returns their public URLs.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// ObjectStore writes an object and returns a publicly reachable URL for it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectKey returns the storage key for a generation result:
// "{userID}/{unixMillis}_{operation}.{png|jpg}".
func ObjectKey(userID string, op plans.Operation, mimeType string, at time.Time) string {
	return fmt.Sprintf("%s/%d_%s.%s", userID, at.UnixMilli(), op, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	if strings.Contains(strings.ToLower(mimeType), "png") {
		return "png"
	}
	return "jpg"
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
