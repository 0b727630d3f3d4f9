package builtin

import "encoding/json"

// toolResult is the uniform result-string shape every builtin encodes:
// {status, message, details}. The loop's interpreter understands this format
// and reads details.suggestions for remediation hints.
type toolResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func encodeResult(status, message string, details map[string]any) string {
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(toolResult{Status: status, Message: message, Details: details})
	if err != nil {
		// details carried something unmarshalable; report the failure shape.
		fallback, _ := json.Marshal(toolResult{Status: "failed", Message: "result encoding failed: " + err.Error(), Details: map[string]any{}})
		return string(fallback)
	}
	return string(data)
}

func success(message string, details map[string]any) string {
	return encodeResult("success", message, details)
}

func failed(message string, details map[string]any) string {
	return encodeResult("failed", message, details)
}
