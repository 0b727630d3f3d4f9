// Package webfetch renders pages in a headless browser and extracts the
// readable article text. It also captures full-page screenshots for the
// screenshot tool.
package webfetch

import (
	"context"
	"errors"
	"time"

	chromedpfetch "github.com/mohammad-safakhou/errand/tools/webfetch/chromedp"
	"github.com/mohammad-safakhou/errand/tools/webfetch/models"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// WebFetcher fetches a page and returns its extracted content.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

// Screenshotter captures a rendered page as an image.
type Screenshotter interface {
	Capture(ctx context.Context, url string, quality int) ([]byte, error)
}

type FetcherType string

const ChromedpFetcherType FetcherType = "chromedp"

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

// NewWebFetcher builds the page fetcher named by fetcherType.
func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int, userAgent string) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedpfetch.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}

// NewScreenshotter builds the screenshot backend named by fetcherType.
func NewScreenshotter(fetcherType FetcherType, timeout time.Duration, userAgent string) (Screenshotter, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedpfetch.Fetch{Timeout: timeout, UserAgent: userAgent}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
