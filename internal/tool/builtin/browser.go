package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/errand/tools/webfetch"
)

// Browser renders a page headlessly and returns its readable content.
type Browser struct {
	Fetcher webfetch.WebFetcher
}

func (t *Browser) Name() string { return "browser" }

func (t *Browser) Description() string {
	return `open a web page and extract its readable content. Usage: browser action=go_to_url url=https://... Supported actions: go_to_url, get_content.`
}

func (t *Browser) Call(ctx context.Context, input string) (string, error) {
	action, url := parseBrowserInput(input)
	if action == "" {
		action = "go_to_url"
	}
	switch action {
	case "go_to_url", "get_content":
	default:
		return failed(fmt.Sprintf("unsupported browser action %q", action), map[string]any{
			"error_type":  "unsupported_action",
			"action":      action,
			"suggestions": []string{"use action=go_to_url url=... to open a page", "use screenshot for page captures"},
		}), nil
	}
	if url == "" {
		return failed("missing url", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{"provide the page url, e.g. browser action=go_to_url url=https://example.org"},
		}), nil
	}

	page, err := t.Fetcher.Exec(ctx, url)
	if err != nil {
		return failed(fmt.Sprintf("failed to open %s: %v", url, err), map[string]any{
			"error_type":  "navigation_failed",
			"url":         url,
			"suggestions": []string{"check the url is reachable", "try screenshot as an alternative capture"},
		}), nil
	}
	if page.Status != 200 || page.Text == "" {
		return failed(fmt.Sprintf("page %s rendered without readable content (status %d)", url, page.Status), map[string]any{
			"error_type":  "empty_content",
			"url":         url,
			"http_status": page.Status,
			"suggestions": []string{"try screenshot to capture the page visually", "try a different result url"},
		}), nil
	}

	return success(fmt.Sprintf("fetched %s", url), map[string]any{
		"url":       page.URL,
		"title":     page.Title,
		"site_name": page.SiteName,
		"content":   page.Text,
		"top_image": page.TopImage,
		"render_ms": page.RenderMS,
	}), nil
}

// parseBrowserInput reads the space-separated action=... url=... convention.
// Anything after url= is the url (quotes stripped); a bare url is accepted.
func parseBrowserInput(input string) (action, url string) {
	input = strings.TrimSpace(input)
	if i := strings.Index(input, "action="); i >= 0 {
		rest := input[i+len("action="):]
		if j := strings.IndexAny(rest, " \t"); j >= 0 {
			action = rest[:j]
		} else {
			action = rest
		}
	}
	if i := strings.Index(input, "url="); i >= 0 {
		url = unquote(strings.TrimSpace(input[i+len("url="):]))
	} else if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		url = input
	}
	return action, url
}
