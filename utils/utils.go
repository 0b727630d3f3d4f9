// Package utils holds tiny string helpers shared by the tool clients.
package utils

import (
	"fmt"
	"strings"
)

// QueryParam formats free text for use as a URL query parameter value the way
// the search vendors expect, with spaces encoded as plus signs.
func QueryParam(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), " ", "+")
}

// Str renders a decoded JSON value as a string, mapping nil to "".
func Str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
