package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// MessageType discriminates wire frames
type MessageType string

const (
	MessageCommand          MessageType = "command"
	MessageExecuteSequence  MessageType = "execute_sequence"
	MessageCommandResult    MessageType = "command_result"
	MessageScreenFrame      MessageType = "screen_frame"
	MessageSequenceProgress MessageType = "sequence_progress"
	MessageSequenceComplete MessageType = "sequence_complete"
	MessageAgentStatus      MessageType = "agent_status"
	MessageError            MessageType = "error"

	// MessagePauseCommand is reserved; no agent behaviour is defined for it.
	MessagePauseCommand MessageType = "pause_command"
)

// CommandMessage is sent client -> agent for a single action
type CommandMessage struct {
	Type      MessageType `json:"type"`
	Command   Action      `json:"command" validate:"required"`
	CommandID string      `json:"commandId" validate:"required"`
	APIKey    string      `json:"apiKey,omitempty"`
}

// SequenceMessage is sent client -> agent for an ordered list of actions
type SequenceMessage struct {
	Type       MessageType `json:"type"`
	Actions    []Action    `json:"actions" validate:"required,min=1,dive"`
	SequenceID string      `json:"sequenceId,omitempty"`
}

// CommandResultMessage is sent agent -> client when a command finishes
type CommandResultMessage struct {
	Type          MessageType `json:"type"`
	CommandID     string      `json:"commandId"`
	Success       bool        `json:"success"`
	ExecutionTime Millis      `json:"executionTime"`
	Message       string      `json:"message,omitempty"`
	Result        string      `json:"result,omitempty"`
}

// ScreenFrameMessage carries one encoded screen capture; opaque to the relay
type ScreenFrameMessage struct {
	Type      MessageType `json:"type"`
	Data      string      `json:"data"`
	Timestamp float64     `json:"timestamp"`
}

// StepResult is the outcome of one action inside a sequence
type StepResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SequenceProgressMessage is sent after each step of a sequence
type SequenceProgressMessage struct {
	Type       MessageType `json:"type"`
	SequenceID string      `json:"sequenceId,omitempty"`
	Step       int         `json:"step"`
	Total      int         `json:"total"`
	Action     Action      `json:"action"`
	Result     StepResult  `json:"result"`
}

// SequenceCompleteMessage is sent once every step of a sequence ran
type SequenceCompleteMessage struct {
	Type          MessageType  `json:"type"`
	SequenceID    string       `json:"sequenceId,omitempty"`
	Success       *bool        `json:"success,omitempty"`
	ExecutionTime Millis       `json:"executionTime"`
	Results       []StepResult `json:"results"`
}

// Succeeded reports the success flag; a missing flag counts as false
func (m SequenceCompleteMessage) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// Millis is an execution time in milliseconds. Agents may report fractions.
type Millis float64

// Int64 rounds to whole milliseconds
func (m Millis) Int64() int64 {
	return int64(math.Round(float64(m)))
}

// Bool returns a pointer to v
func Bool(v bool) *bool {
	return &v
}

// AgentStatusMessage is pushed by the hub when the paired agent comes or goes
type AgentStatusMessage struct {
	Type      MessageType `json:"type"`
	Connected bool        `json:"connected"`
}

// ErrorMessage is pushed by the hub when a frame cannot be handled
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Envelope is a decoded frame: the type plus the raw body for a second decode
type Envelope struct {
	Type MessageType
	Raw  json.RawMessage
}

// DecodeEnvelope reads only the type field of a frame
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("invalid frame: missing type")
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the full frame into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("invalid %s frame: %w", e.Type, err)
	}
	return nil
}
