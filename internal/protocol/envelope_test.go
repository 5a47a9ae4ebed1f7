package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"register", NewRegisterEnvelope("e1", RegisterPayload{AgentID: "a1", Capabilities: []string{"summarize"}})},
		{"heartbeat", NewHeartbeatEnvelope("e2")},
		{"task", NewTaskEnvelope("e3", TaskPayload{TaskID: "t1", Action: "summarize", Attempt: 1})},
		{"result", NewResultEnvelope("e4", ResultPayload{TaskID: "t1"})},
		{"error", NewErrorEnvelope("e5", ErrorPayload{TaskID: "t1", Kind: "transient", Message: "boom"})},
		{"cancel", NewCancelEnvelope("e6", "t1")},
		{"ping", NewPingEnvelope("e7")},
		{"pong", NewPongEnvelope("e8")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != tt.env.Kind || got.ID != tt.env.ID {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, tt.env)
			}
		})
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	data := []byte(`{"version":"99","kind":"ping","id":"e1"}`)
	_, err := Decode(data)
	if !errors.Is(err, ErrProtocolVersion) {
		t.Fatalf("want ErrProtocolVersion, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("want error for malformed JSON")
	}
}
