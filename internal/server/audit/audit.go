// Package audit records relayed frames so operators can review what was
// sent to an agent and what came back.
package audit

import (
	"context"
	"errors"
	"time"

	"cmdrelay/internal/types"
)

// Direction tells who sent a frame
type Direction string

const (
	DirectionToAgent Direction = "to_agent"
	DirectionToWeb   Direction = "to_web"
)

// Entry is one recorded frame
type Entry struct {
	ID        int64             `json:"id"`
	Pair      string            `json:"pair"`
	Direction Direction         `json:"direction"`
	Type      types.MessageType `json:"type"`
	CommandID string            `json:"command_id,omitempty"`
	Success   *bool             `json:"success,omitempty"`
	Payload   string            `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Pair      string
	CommandID string
	Type      types.MessageType
	Since     time.Time
	Limit     int
	Offset    int
}

var (
	// ErrAccessRequested means the email already has a pending request
	ErrAccessRequested = errors.New("access already requested for this email")
	ErrQueueFull       = errors.New("audit queue full")
	ErrClosed          = errors.New("audit store closed")
)

// AccessRequest asks for an access code
type AccessRequest struct {
	Email     string
	UseCase   string
	Message   string
	CreatedAt time.Time
}

// Store persists entries and access requests
type Store interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
	RequestAccess(ctx context.Context, r *AccessRequest) error
}

// Nop discards entries
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error               { return nil }
func (Nop) List(context.Context, Filter) ([]Entry, error)      { return nil, nil }
func (Nop) RequestAccess(context.Context, *AccessRequest) error { return nil }
