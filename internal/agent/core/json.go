package core

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// extractFirstJSON attempts to find the first top-level JSON object in a string
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// unmarshalLLMJSON unmarshals an LLM response into v. It extracts the first
// JSON object from the surrounding prose, and on a syntax error tries to
// repair the JSON before retrying once.
func unmarshalLLMJSON(raw string, v any) error {
	data := []byte(extractFirstJSON(raw))
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
