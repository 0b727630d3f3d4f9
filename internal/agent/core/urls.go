package core

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// placeholder domains that search backends emit in canned or documentation results
var placeholderDomains = []string{"example.com", "example.org", "example.net"}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg"}

var imageHosts = []string{"imgur", "flickr", "unsplash", "pixabay", "pexels", "picsum.photos"}

// extractURLs pulls candidate URLs out of a search tool's raw result. It reads
// url/link fields from structured result objects and scans the free-text
// fields with a URL pattern. Placeholder domains, short fragments and URLs
// already tried are dropped; order is preserved and duplicates removed.
func extractURLs(raw string, tried map[string]bool) []string {
	var candidates []string

	var parsed struct {
		Details struct {
			Results []map[string]interface{} `json:"results"`
		} `json:"details"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		for _, res := range parsed.Details.Results {
			for _, key := range []string{"url", "link"} {
				if v, ok := res[key].(string); ok && v != "" {
					candidates = append(candidates, v)
				}
			}
			for _, key := range []string{"snippet", "description", "content"} {
				if v, ok := res[key].(string); ok && v != "" {
					candidates = append(candidates, urlPattern.FindAllString(v, -1)...)
				}
			}
		}
	}
	// catch URLs living outside the structured shape too
	candidates = append(candidates, urlPattern.FindAllString(raw, -1)...)

	seen := make(map[string]bool)
	var out []string
	for _, u := range candidates {
		u = strings.TrimRight(u, ".,;)]}")
		if len(u) <= 10 || seen[u] || tried[u] || isPlaceholderURL(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func isPlaceholderURL(raw string) bool {
	host := toHost(raw)
	for _, d := range placeholderDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// isImageURL reports whether a URL looks like direct image content, either by
// file extension or by pointing at a known image-hosting domain.
func isImageURL(raw string) bool {
	lower := strings.ToLower(raw)
	path := lower
	if u, err := url.Parse(lower); err == nil && u.Path != "" {
		path = u.Path
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	host := toHost(lower)
	for _, h := range imageHosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// mergeURLs appends candidates not already collected, preserving order.
func mergeURLs(have, more []string) []string {
	seen := make(map[string]bool, len(have))
	for _, u := range have {
		seen[u] = true
	}
	for _, u := range more {
		if !seen[u] {
			seen[u] = true
			have = append(have, u)
		}
	}
	return have
}

// firstUntried returns the first candidate not yet tried, of any kind.
func firstUntried(candidates []string, tried map[string]bool) (string, bool) {
	for _, u := range candidates {
		if !tried[u] {
			return u, true
		}
	}
	return "", false
}

// pickUntried returns up to max URLs from candidates that are not yet tried,
// filtered by image-ness when wantImage is set (or non-image-ness otherwise).
func pickUntried(candidates []string, tried map[string]bool, wantImage bool, max int) []string {
	var out []string
	for _, u := range candidates {
		if tried[u] {
			continue
		}
		if isImageURL(u) != wantImage {
			continue
		}
		out = append(out, u)
		if len(out) >= max {
			break
		}
	}
	return out
}

func toHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// tolerate bare hosts without a scheme
		if i := strings.Index(raw, "/"); i > 0 {
			return strings.ToLower(raw[:i])
		}
		return strings.ToLower(raw)
	}
	host := strings.ToLower(u.Host)
	if i := strings.Index(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}
