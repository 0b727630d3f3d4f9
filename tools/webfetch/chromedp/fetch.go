package chromedp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/errand/tools/webfetch/models"
)

const defaultUserAgent = "errand/1.0 (+https://github.com/mohammad-safakhou/errand)"

type Fetch struct {
	Timeout   time.Duration
	MaxChars  int // maximum characters kept from the article text
	UserAgent string
}

// Exec renders the page and runs readability extraction over the HTML.
// Render failures are reported in Result.Status rather than as errors so
// callers can log the URL with its outcome.
func (f Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := f.fetchHTML(ctx, rawURL)
	if err != nil {
		return models.Result{URL: rawURL, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return models.Result{URL: rawURL, Status: 200, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := article.TextContent
	if f.MaxChars > 0 && len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}

	sum := sha1.Sum([]byte(html))

	return models.Result{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		SiteName: article.SiteName,
		Text:     strings.TrimSpace(text),
		TopImage: article.Image,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   200,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

// Capture takes a full-page screenshot and returns the encoded image bytes.
func (f Fetch) Capture(ctx context.Context, rawURL string, quality int) ([]byte, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("invalid url")
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	bctx, cancelBrowser := f.browserContext(ctx)
	defer cancelBrowser()

	var buf []byte
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, quality),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (f Fetch) fetchHTML(ctx context.Context, rawURL string) (string, error) {
	bctx, cancelBrowser := f.browserContext(ctx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func (f Fetch) browserContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelBrowser := chromedp.NewContext(actx)
	return bctx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
