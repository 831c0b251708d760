package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher downloads the bytes of a model.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

type lowPriorityKey struct{}

// WithLowPriority marks requests made with ctx as background traffic.
func WithLowPriority(ctx context.Context) context.Context {
	return context.WithValue(ctx, lowPriorityKey{}, true)
}

// IsLowPriority reports whether ctx was marked by WithLowPriority.
func IsLowPriority(ctx context.Context) bool {
	v, _ := ctx.Value(lowPriorityKey{}).(bool)
	return v
}

// ErrBadStatus is returned for non-2xx responses.
var ErrBadStatus = errors.New("unexpected response status")

// lowPriorityHeader is the RFC 9218 urgency for background requests.
const lowPriorityHeader = "u=7"

// HTTPFetcher fetches models over HTTP.
type HTTPFetcher struct {
	client *http.Client
	// MaxBytes caps a response body. Zero means no cap.
	MaxBytes int64
}

// NewHTTPFetcher uses client, or http.DefaultClient when nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Fetch issues a GET for url. Low priority contexts send a Priority header.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if IsLowPriority(ctx) {
		req.Header.Set("Priority", lowPriorityHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrBadStatus, url, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", url, f.MaxBytes)
	}
	return data, nil
}
