package server

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateRunRequest submits one query for execution. MaxCost and MaxTokens
// optionally tighten the configured spend budget for this run only.
type CreateRunRequest struct {
	Query     string   `json:"query"`
	MaxCost   *float64 `json:"max_cost,omitempty"`
	MaxTokens *int64   `json:"max_tokens,omitempty"`
}

// RunEnqueuedResponse acknowledges an accepted run request.
type RunEnqueuedResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CreateScheduleRequest registers a recurring query.
type CreateScheduleRequest struct {
	Query    string `json:"query"`
	CronExpr string `json:"cron_expr"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// UploadDocumentRequest uploads one text document into memory.
type UploadDocumentRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// UploadDocumentResponse reports the stored document and its index size.
type UploadDocumentResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}
