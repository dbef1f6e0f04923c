package storage

import (
	"context"
	"fmt"
	"strings"

	"wrapserver/internal/domain"
)

// Store persists immutable blobs under a key and returns a stable public URL.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// WithTransform appends the storage layer's on-the-fly rotate/resize
// parameters to a raw object URL. The transform is applied at read time by
// the serving layer; the stored bytes are never re-encoded.
func WithTransform(rawURL string, c domain.Correction) string {
	if strings.TrimSpace(rawURL) == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sx-oss-process=image/rotate,%d/resize,w_%d,h_%d",
		rawURL, sep, c.RotationDegrees, c.OutputWidth, c.OutputHeight)
}
