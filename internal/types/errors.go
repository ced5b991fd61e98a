package types

import "errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrEmptyCommand      = errors.New("command text is empty")
	ErrUnknownCommand    = errors.New("unknown command id")
	ErrInvalidAccessCode = errors.New("invalid access code")
	ErrAgentUnavailable  = errors.New("agent not connected")
	ErrInvalidDriver     = errors.New("invalid database driver")
)
