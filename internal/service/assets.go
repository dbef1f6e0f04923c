package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AssetFetcher retrieves small image assets (UV masks, remote reference
// images) by URL.
type AssetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the default AssetFetcher backed by a plain HTTP client.
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64
}

func NewHTTPFetcher(client *http.Client, maxSize int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxSize <= 0 {
		maxSize = 8 << 20
	}
	return &HTTPFetcher{client: client, maxSize: maxSize}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	return data, nil
}

var _ AssetFetcher = (*HTTPFetcher)(nil)
