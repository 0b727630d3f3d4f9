package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/errand/tools/webfetch"
)

// Screenshot captures a rendered page as an image file.
type Screenshot struct {
	Shooter webfetch.Screenshotter
	Dir     string
	Quality int
}

func (t *Screenshot) Name() string { return "screenshot" }

func (t *Screenshot) Description() string {
	return `capture a full-page screenshot of a web page. Usage: screenshot url="https://...". Returns the saved image path.`
}

func (t *Screenshot) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "url")
	rawURL := params["url"]
	if rawURL == "" {
		return failed("missing url", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{`provide the page url, e.g. screenshot url="https://example.org"`},
		}), nil
	}

	buf, err := t.Shooter.Capture(ctx, rawURL, t.Quality)
	if err != nil {
		return failed(fmt.Sprintf("screenshot of %s failed: %v", rawURL, err), map[string]any{
			"error_type":  "screenshot_failed",
			"url":         rawURL,
			"suggestions": []string{"check the url is reachable", "use download for direct image urls"},
		}), nil
	}

	dir := t.Dir
	if dir == "" {
		dir = "screenshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failed(fmt.Sprintf("cannot create screenshot dir %s: %v", dir, err), map[string]any{
			"error_type": "storage_error",
		}), nil
	}
	dst := filepath.Join(dir, uuid.New().String()+".jpg")
	if err := os.WriteFile(dst, buf, 0o644); err != nil {
		return failed(fmt.Sprintf("cannot write screenshot %s: %v", dst, err), map[string]any{
			"error_type": "storage_error",
		}), nil
	}

	quality := t.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return success(fmt.Sprintf("captured %s", rawURL), map[string]any{
		"url":         rawURL,
		"path":        dst,
		"bytes":       len(buf),
		"quality":     quality,
		"suggestions": []string{"use image_analyzer path=... to describe the capture"},
	}), nil
}
