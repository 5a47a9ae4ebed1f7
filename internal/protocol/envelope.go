// Package protocol defines the wire format agents and the hub exchange
// over the WebSocket transport: a single JSON envelope type carrying one
// of a fixed set of message kinds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Version is the protocol version this build speaks. An agent whose
// register envelope names a different version is rejected with
// ErrProtocolVersion.
const Version = "1"

// ErrProtocolVersion is returned when an agent's register envelope names
// a protocol version the hub does not speak.
var ErrProtocolVersion = errors.New("protocol: unsupported version")

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindRegister  Kind = "register"
	KindHeartbeat Kind = "heartbeat"
	KindTask      Kind = "task"
	KindProgress  Kind = "progress"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindCancel    Kind = "cancel"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
)

// Envelope is the single frame type carried over the agent channel in
// both directions. Exactly one of the typed payload fields is populated,
// selected by Kind.
type Envelope struct {
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`
	// ID uniquely identifies this envelope, for correlating acks and
	// for idempotent redelivery detection on reconnect.
	ID string `json:"id"`

	Register  *RegisterPayload  `json:"register,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Task      *TaskPayload      `json:"task,omitempty"`
	Progress  *ProgressPayload  `json:"progress,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Cancel    *CancelPayload    `json:"cancel,omitempty"`
}

// RegisterPayload is sent by an agent immediately after the WebSocket
// handshake to announce identity and capabilities.
type RegisterPayload struct {
	AgentID        string   `json:"agent_id"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"` // 0 = unbounded
	Description    string   `json:"description,omitempty"`
}

// HeartbeatPayload carries no data beyond its envelope; liveness is
// tracked from arrival time alone.
type HeartbeatPayload struct{}

// TaskPayload is sent hub-to-agent to dispatch one task.
type TaskPayload struct {
	TaskID    string           `json:"task_id"`
	ContextID string           `json:"context_id"`
	Action    string           `json:"action"`
	Payload   *structpb.Struct `json:"payload,omitempty"`
	Attempt   int              `json:"attempt"`
	DeadlineUnixMs int64       `json:"deadline_unix_ms"`
}

// ProgressPayload is sent agent-to-hub to report interim progress on an
// in-flight task; it never changes task state.
type ProgressPayload struct {
	TaskID string           `json:"task_id"`
	Detail *structpb.Struct `json:"detail,omitempty"`
}

// ResultPayload is sent agent-to-hub on successful task completion.
type ResultPayload struct {
	TaskID string           `json:"task_id"`
	Result *structpb.Struct `json:"result,omitempty"`
}

// ErrorPayload is sent agent-to-hub on task failure.
type ErrorPayload struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CancelPayload is sent hub-to-agent to request early termination of an
// in-flight task (e.g. its workflow context was cancelled).
type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// Encode marshals e to a JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a JSON frame into an Envelope and validates its version.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if e.Version != Version {
		return nil, fmt.Errorf("%w: got %q want %q", ErrProtocolVersion, e.Version, Version)
	}
	return &e, nil
}
