package tile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"net/http"
	"time"

	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder
)

const (
	DefaultUserAgent = "iiif-stitch/1.0.0"
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 2
	DefaultBackoff   = 500 * time.Millisecond
)

// ProcessorOptions configures HTTP retrieval
type ProcessorOptions struct {
	UserAgent string
	Headers   map[string]string
	// Timeout bounds a single attempt, not the whole retry sequence
	Timeout time.Duration
	// Retries is the number of additional attempts after the first
	Retries int
	Backoff time.Duration
	Client  *http.Client
}

// Processor handles region downloading and decoding
type Processor struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	timeout   time.Duration
	retries   int
	backoff   time.Duration
}

// NewProcessor creates a new region processor
func NewProcessor(opts ProcessorOptions) *Processor {
	p := &Processor{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		headers:   opts.Headers,
		timeout:   opts.Timeout,
		retries:   opts.Retries,
		backoff:   opts.Backoff,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.userAgent == "" {
		p.userAgent = DefaultUserAgent
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.retries < 0 {
		p.retries = 0
	}
	if p.backoff < 0 {
		p.backoff = 0
	}
	return p
}

// DownloadTile performs a single GET for the given URL
func (p *Processor) DownloadTile(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	req.Header.Set("User-Agent", p.userAgent)
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if len(data) == 0 {
		return nil, &DecodeError{URL: url, Err: errors.New("empty payload")}
	}

	return data, nil
}

// DecodeImage detects the image format and decodes it
func (p *Processor) DecodeImage(url string, data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}
	return img, nil
}

// Fetch downloads and decodes url, retrying transient failures with
// exponential backoff. It returns the number of attempts made.
func (p *Processor) Fetch(ctx context.Context, url string) (image.Image, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt); err != nil {
				return nil, attempts, lastErr
			}
		}

		attempts++
		img, err := p.attempt(ctx, url)
		if err == nil {
			return img, attempts, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}

	return nil, attempts, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Get downloads url with the same retry policy as Fetch, without decoding
func (p *Processor) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt); err != nil {
				return nil, lastErr
			}
		}

		data, err := p.DownloadTile(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *Processor) attempt(ctx context.Context, url string) (image.Image, error) {
	data, err := p.DownloadTile(ctx, url)
	if err != nil {
		return nil, err
	}
	return p.DecodeImage(url, data)
}

func (p *Processor) wait(ctx context.Context, attempt int) error {
	delay := p.backoff << (attempt - 1)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
