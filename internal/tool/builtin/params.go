package builtin

import "strings"

// parseParams decodes the key=value tool input convention: comma-separated
// pairs, values optionally double-quoted (quotes may contain commas). A bare
// leading token with no '=' is assigned to defaultKey.
func parseParams(input, defaultKey string) map[string]string {
	params := make(map[string]string)
	for i, part := range splitParams(input) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq < 0 {
			if i == 0 && defaultKey != "" {
				params[defaultKey] = unquote(part)
			}
			continue
		}
		key := strings.TrimSpace(part[:eq])
		value := unquote(strings.TrimSpace(part[eq+1:]))
		if key != "" {
			params[key] = value
		}
	}
	return params
}

// splitParams splits on commas that are outside double quotes.
func splitParams(input string) []string {
	var parts []string
	var b strings.Builder
	inQuote := false
	for _, r := range input {
		switch {
		case r == '"':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	parts = append(parts, b.String())
	return parts
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
