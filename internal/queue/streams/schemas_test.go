package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *SchemaRegistry {
	t.Helper()
	reg, err := NewRunRegistry()
	if err != nil {
		t.Fatalf("NewRunRegistry: %v", err)
	}
	return reg
}

func TestRunRequestedSchema(t *testing.T) {
	reg := newTestRegistry(t)

	cases := []struct {
		name    string
		payload RunRequestedV1
		wantErr bool
	}{
		{
			name:    "valid manual",
			payload: RunRequestedV1{RunID: "r1", UserID: "u1", Query: "今天北京天气", Trigger: "manual"},
		},
		{
			name:    "valid schedule with budget",
			payload: RunRequestedV1{RunID: "r2", UserID: "u1", Query: "daily digest", Trigger: "schedule", MaxCost: f64ptr(0.5)},
		},
		{
			name:    "missing query",
			payload: RunRequestedV1{RunID: "r3", UserID: "u1", Trigger: "manual"},
			wantErr: true,
		},
		{
			name:    "bad trigger",
			payload: RunRequestedV1{RunID: "r4", UserID: "u1", Query: "x", Trigger: "cron"},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			err = reg.Validate(EventRunRequested, PayloadV1, data)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestRunCompletedSchema(t *testing.T) {
	reg := newTestRegistry(t)

	good := RunCompletedV1{RunID: "r1", UserID: "u1", Status: "succeeded", Expert: "search_expert", TokensUsed: 120}
	data, _ := json.Marshal(good)
	if err := reg.Validate(EventRunCompleted, PayloadV1, data); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := RunCompletedV1{RunID: "r1", UserID: "u1", Status: "crashed"}
	data, _ = json.Marshal(bad)
	if err := reg.Validate(EventRunCompleted, PayloadV1, data); err == nil {
		t.Fatal("unknown status should be rejected")
	}
}

func TestValidateUnknownEvent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Validate("run.paused", PayloadV1, []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered event type")
	}
	if err := reg.Validate(EventRunRequested, "v9", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered version")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(RunRequestedV1{RunID: "r1", UserID: "u1", Query: "q", Trigger: "manual"})
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventRunRequested,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadV1,
		Data:           payload,
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.EventID != env.EventID || back.EventType != env.EventType || back.PayloadVersion != env.PayloadVersion {
		t.Fatalf("round trip mismatch: %+v", back)
	}

	var req RunRequestedV1
	if err := json.Unmarshal(back.Data, &req); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if req.RunID != "r1" || req.Trigger != "manual" {
		t.Fatalf("payload mismatch: %+v", req)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventType: EventRunRequested, PayloadVersion: PayloadV1, Data: []byte(`{}`)}
	if err := env.ValidateBasic(); err == nil {
		t.Fatal("missing event_id should fail")
	}
	env.EventID = "evt-1"
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("ValidateBasic should default occurred_at")
	}
}

func f64ptr(v float64) *float64 { return &v }
