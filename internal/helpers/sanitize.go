// Package helpers holds small utilities for handling untrusted text.
package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	plainPolicyOnce sync.Once
	plainPolicy     *bluemonday.Policy
)

// plainTextPolicy strips every HTML element and attribute; script and style
// bodies are dropped along with their tags.
func plainTextPolicy() *bluemonday.Policy {
	plainPolicyOnce.Do(func() {
		plainPolicy = bluemonday.StrictPolicy()
	})
	return plainPolicy
}

// PlainText reduces s to markup-free text so uploaded fragments can be
// stored, indexed and placed into prompts safely. Entities are decoded after
// sanitization, so text like "a < b" survives the round trip.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(plainTextPolicy().Sanitize(s)))
}
