package types

import "time"

// CommandStatus represents command lifecycle status
type CommandStatus string

const (
	CommandStatusPending CommandStatus = "pending"
	CommandStatusSuccess CommandStatus = "success"
	CommandStatusError   CommandStatus = "error"
)

// Terminal reports whether the status is final
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusSuccess || s == CommandStatusError
}

// Command represents one user-issued instruction
type Command struct {
	ID              string        `json:"id"`
	RawText         string        `json:"raw_text"`
	Action          Action        `json:"action"`
	Status          CommandStatus `json:"status"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	ExecutionTimeMs int64         `json:"execution_time_ms,omitempty"`
	ResultMessage   string        `json:"result_message,omitempty"`
	CompletedAt     time.Time     `json:"completed_at,omitempty"`
}

// Latency returns the time between submission and completion
func (c Command) Latency() time.Duration {
	if c.CompletedAt.IsZero() {
		return 0
	}
	return c.CompletedAt.Sub(c.SubmittedAt)
}
