package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Download fetches a URL (typically an image found by search) into a local
// file and reports where it landed.
type Download struct {
	Dir      string
	MaxBytes int64
	Client   *http.Client
}

func NewDownload(dir string, maxBytes int64, timeout time.Duration) *Download {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Download{
		Dir:      dir,
		MaxBytes: maxBytes,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (t *Download) Name() string { return "download" }

func (t *Download) Description() string {
	return `download a file (image or document) from a url into local storage. Usage: download url="https://...". Returns the saved path.`
}

func (t *Download) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "url")
	rawURL := params["url"]
	if rawURL == "" {
		return failed("missing url", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{`provide the file url, e.g. download url="https://example.org/cat.jpg"`},
		}), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return failed(fmt.Sprintf("invalid url %q: %v", rawURL, err), map[string]any{
			"error_type":  "invalid_url",
			"url":         rawURL,
			"suggestions": []string{"check the url format"},
		}), nil
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return failed(fmt.Sprintf("download of %s failed: %v", rawURL, err), map[string]any{
			"error_type":  "download_failed",
			"url":         rawURL,
			"suggestions": []string{"try a different url", "use screenshot to capture the page instead"},
		}), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(fmt.Sprintf("download of %s failed with status %d", rawURL, resp.StatusCode), map[string]any{
			"error_type":  "download_failed",
			"url":         rawURL,
			"http_status": resp.StatusCode,
			"suggestions": []string{"try a different url", "use screenshot to capture the page instead"},
		}), nil
	}

	dir := t.Dir
	if dir == "" {
		dir = "downloads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failed(fmt.Sprintf("cannot create download dir %s: %v", dir, err), map[string]any{
			"error_type": "storage_error",
		}), nil
	}

	name := downloadFilename(rawURL)
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return failed(fmt.Sprintf("cannot create file %s: %v", dst, err), map[string]any{
			"error_type": "storage_error",
		}), nil
	}
	defer f.Close()

	limit := t.MaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = os.Remove(dst)
		return failed(fmt.Sprintf("writing %s failed: %v", dst, err), map[string]any{
			"error_type": "storage_error",
			"url":        rawURL,
		}), nil
	}
	if n > limit {
		_ = os.Remove(dst)
		return failed(fmt.Sprintf("%s exceeds the %d byte download limit", rawURL, limit), map[string]any{
			"error_type":  "file_too_large",
			"url":         rawURL,
			"max_bytes":   limit,
			"suggestions": []string{"use screenshot to capture the page instead"},
		}), nil
	}

	return success(fmt.Sprintf("downloaded %s (%d bytes)", rawURL, n), map[string]any{
		"url":          rawURL,
		"path":         dst,
		"bytes":        n,
		"content_type": resp.Header.Get("Content-Type"),
		"suggestions":  []string{"use image_analyzer path=... to describe a downloaded image"},
	}), nil
}

// downloadFilename derives a unique local name, keeping the url's extension.
func downloadFilename(rawURL string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	}
	if len(ext) > 8 {
		ext = ""
	}
	return uuid.New().String() + ext
}
