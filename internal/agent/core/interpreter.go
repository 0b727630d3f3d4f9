package core

import (
	"encoding/json"
	"strings"
)

// maxOutcomeMessage caps the message kept from an unparseable tool result.
const maxOutcomeMessage = 300

// exceptionMarkers prefix result-strings the loop synthesizes for calls that
// errored, panicked or never resolved a tool. They classify as failed even
// though they are not structured JSON.
var exceptionMarkers = []string{"[exception]", "[error]", "[panic]"}

// Interpret normalizes a tool's raw result-string into a ToolOutcome. Tools
// encode results as JSON {status, message, details:{suggestions}}; anything
// that does not parse becomes an unknown outcome carrying a truncated message,
// except exception-marker text which counts as failed. Interpret is a pure
// function of raw.
func Interpret(raw string) ToolOutcome {
	outcome := ToolOutcome{Raw: raw}

	var parsed struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Details struct {
			Suggestions []string `json:"suggestions"`
		} `json:"details"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		outcome.Status = StatusUnknown
		lower := strings.ToLower(strings.TrimSpace(raw))
		for _, marker := range exceptionMarkers {
			if strings.HasPrefix(lower, marker) {
				outcome.Status = StatusFailed
				break
			}
		}
		outcome.Message = truncateRunes(raw, maxOutcomeMessage)
		return outcome
	}

	switch strings.ToLower(parsed.Status) {
	case "success", "ok":
		outcome.Status = StatusSuccess
	case "failed", "failure", "error":
		outcome.Status = StatusFailed
	default:
		if parsed.Error != "" {
			outcome.Status = StatusFailed
		} else {
			outcome.Status = StatusUnknown
		}
	}
	if parsed.Error != "" && outcome.Status != StatusSuccess {
		outcome.Status = StatusFailed
	}

	outcome.Message = parsed.Message
	if outcome.Message == "" && parsed.Error != "" {
		outcome.Message = parsed.Error
	}
	if outcome.Message == "" {
		outcome.Message = truncateRunes(raw, maxOutcomeMessage)
	}
	outcome.Suggestions = parsed.Details.Suggestions
	return outcome
}

// IsSuccessful reports whether an outcome counts as a success.
func IsSuccessful(o ToolOutcome) bool {
	return o.Status == StatusSuccess
}

// Suggestions returns the remediation hints attached to an outcome.
func Suggestions(o ToolOutcome) []string {
	return o.Suggestions
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
