package publisher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxImageBytes bounds a single downloaded image
const maxImageBytes = 10 << 20

// Media is a downloaded image
type Media struct {
	URL      string
	Data     []byte
	MimeType string
}

// MediaFetcher downloads post images
type MediaFetcher struct {
	client      *http.Client
	concurrency int
}

// NewMediaFetcher creates a fetcher that downloads at most concurrency
// images at a time.
func NewMediaFetcher(client *http.Client, concurrency int) *MediaFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &MediaFetcher{client: client, concurrency: concurrency}
}

// FetchAll downloads every URL concurrently. The result keeps the order of
// urls. Any failure fails the whole batch with ErrMedia.
func (f *MediaFetcher) FetchAll(ctx context.Context, urls []string) ([]Media, error) {
	out := make([]Media, len(urls))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			m, err := f.Fetch(ctx, u)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch downloads a single image.
func (f *MediaFetcher) Fetch(ctx context.Context, url string) (Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, fmt.Errorf("%w: failed to build request for %s: %v", ErrMedia, url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("%w: failed to fetch %s: %v", ErrMedia, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Media{}, fmt.Errorf("%w: fetch %s returned status %d", ErrMedia, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return Media{}, fmt.Errorf("%w: failed to read %s: %v", ErrMedia, url, err)
	}
	if len(data) > maxImageBytes {
		return Media{}, fmt.Errorf("%w: %s is larger than %d bytes", ErrMedia, url, maxImageBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}

	return Media{URL: url, Data: data, MimeType: mime}, nil
}
