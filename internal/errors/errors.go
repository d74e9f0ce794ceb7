package errors

import (
	"errors"
	"fmt"
)

// Caller errors
var (
	ErrInvalidType      = errors.New("invalid ticket")
	ErrEmptyMembers     = fmt.Errorf("%w: empty member list", ErrInvalidType)
	ErrUnregisteredType = errors.New("unregistered ticket type")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrNotTimedMute     = errors.New("ticket is not a timed mute")
	ErrInvalidDuration  = errors.New("invalid mute duration")
)

// Collaborator errors
var (
	ErrModlogNotConfigured = errors.New("modlog channel not configured")
	ErrDatabase            = errors.New("database error")
)
