package core

import (
	"testing"
)

func TestExtractURLsFromStructuredResults(t *testing.T) {
	raw := `{"status":"success","details":{"results":[
		{"url":"https://news.site/article-1","snippet":"see also https://blog.site/post-2."},
		{"link":"https://example.com/canned-result"},
		{"url":"https://news.site/article-1"}
	]}}`
	got := extractURLs(raw, map[string]bool{})
	want := []string{"https://news.site/article-1", "https://blog.site/post-2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d urls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("url %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestExtractURLsSkipsTriedAndShort(t *testing.T) {
	raw := "results at https://news.site/long-article and http://a.b plus https://already.seen/page"
	tried := map[string]bool{"https://already.seen/page": true}
	got := extractURLs(raw, tried)
	if len(got) != 1 || got[0] != "https://news.site/long-article" {
		t.Fatalf("unexpected urls: %v", got)
	}
}

func TestExtractURLsTrimsTrailingPunctuation(t *testing.T) {
	got := extractURLs("read this: https://news.site/story), then decide", map[string]bool{})
	if len(got) != 1 || got[0] != "https://news.site/story" {
		t.Fatalf("unexpected urls: %v", got)
	}
}

func TestIsPlaceholderURL(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/result":     true,
		"https://sub.example.org/page":   true,
		"https://examples.co/legit":      false,
		"https://news.site/example.com/": false,
	}
	for raw, want := range cases {
		if got := isPlaceholderURL(raw); got != want {
			t.Fatalf("%s: expected %v, got %v", raw, want, got)
		}
	}
}

func TestIsImageURL(t *testing.T) {
	cases := map[string]bool{
		"https://cdn.site/cat.JPG":             true,
		"https://cdn.site/cat.png?width=800":   true,
		"https://i.imgur.com/abc123":           true,
		"https://unsplash.com/photos/xyz":      true,
		"https://news.site/article.html":       false,
		"https://news.site/jpg-compression":    false,
		"https://picsum.photos/200/300":        true,
		"https://blog.site/why-png-beats-gif/": false,
	}
	for raw, want := range cases {
		if got := isImageURL(raw); got != want {
			t.Fatalf("%s: expected %v, got %v", raw, want, got)
		}
	}
}

func TestMergeURLsPreservesOrderAndDedupes(t *testing.T) {
	have := []string{"a", "b"}
	got := mergeURLs(have, []string{"b", "c", "a", "d"})
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPickUntriedFiltersByKindAndCap(t *testing.T) {
	candidates := []string{
		"https://cdn.site/one.jpg",
		"https://news.site/page.html",
		"https://cdn.site/two.png",
		"https://cdn.site/three.gif",
	}
	tried := map[string]bool{"https://cdn.site/one.jpg": true}

	images := pickUntried(candidates, tried, true, 2)
	if len(images) != 2 || images[0] != "https://cdn.site/two.png" || images[1] != "https://cdn.site/three.gif" {
		t.Fatalf("unexpected image picks: %v", images)
	}

	pages := pickUntried(candidates, tried, false, 5)
	if len(pages) != 1 || pages[0] != "https://news.site/page.html" {
		t.Fatalf("unexpected page picks: %v", pages)
	}
}

func TestFirstUntried(t *testing.T) {
	candidates := []string{"a", "b", "c"}
	tried := map[string]bool{"a": true, "b": true}
	u, ok := firstUntried(candidates, tried)
	if !ok || u != "c" {
		t.Fatalf("expected c, got %q ok=%v", u, ok)
	}
	tried["c"] = true
	if _, ok := firstUntried(candidates, tried); ok {
		t.Fatalf("expected no untried candidate")
	}
}

func TestToHostNormalizes(t *testing.T) {
	cases := map[string]string{
		"https://www.News.Site:8443/path": "news.site",
		"https://cdn.site/img.png":        "cdn.site",
		"bare.host/path":                  "bare.host",
		"bare.host":                       "bare.host",
	}
	for raw, want := range cases {
		if got := toHost(raw); got != want {
			t.Fatalf("%s: expected %s, got %s", raw, want, got)
		}
	}
}
