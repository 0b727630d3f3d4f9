package streams

import "fmt"

// Event types carried over the run queue and the event stream.
const (
	EventRunRequested = "run.requested"
	EventRunCompleted = "run.completed"

	PayloadV1 = "v1"
)

// RunRequestedV1 asks a worker to execute one query. MaxCost/MaxTokens
// optionally tighten the configured spend budget for this run only.
type RunRequestedV1 struct {
	RunID     string   `json:"run_id"`
	UserID    string   `json:"user_id"`
	Query     string   `json:"query"`
	Trigger   string   `json:"trigger"` // manual | schedule
	MaxCost   *float64 `json:"max_cost,omitempty"`
	MaxTokens *int64   `json:"max_tokens,omitempty"`
}

// RunCompletedV1 announces a finished run for downstream consumers.
type RunCompletedV1 struct {
	RunID      string  `json:"run_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"` // succeeded | failed
	Expert     string  `json:"expert,omitempty"`
	Answer     string  `json:"answer,omitempty"`
	TokensUsed int64   `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventRunRequested,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "user_id", "query", "trigger"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "query": {"type": "string", "minLength": 1},
    "trigger": {"type": "string", "enum": ["manual", "schedule"]},
    "max_cost": {"type": "number", "minimum": 0},
    "max_tokens": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunCompleted,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "user_id", "status"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["succeeded", "failed"]},
    "expert": {"type": "string"},
    "answer": {"type": "string"},
    "tokens_used": {"type": "integer", "minimum": 0},
    "cost": {"type": "number", "minimum": 0},
    "duration_ms": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns copies of the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the run queue event schemas into the registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewRunRegistry builds a registry preloaded with the run queue schemas.
func NewRunRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
