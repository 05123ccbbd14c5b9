package session

import (
	"errors"
	"fmt"

	"github.com/miragelabs/mirage-core/internal/channel"
)

var (
	// ErrConflict: a requested channel is held at equal or higher priority.
	ErrConflict = errors.New("channel held by an equal or higher priority session")
	// ErrNotOwner: release attempted with a token that does not own the session.
	ErrNotOwner = errors.New("token does not own an active session")
	// ErrUnauthorizedWrite: a store write carried an unheld or stale token.
	ErrUnauthorizedWrite = errors.New("token is not currently held for the channel")
	// ErrPreempted is the cancellation cause when a higher priority caller
	// takes the channels over.
	ErrPreempted = errors.New("session preempted by a higher priority caller")
	// ErrSessionClosed is the cancellation cause for ordinary release and
	// device disconnect.
	ErrSessionClosed = errors.New("session closed")
)

// ArbitrationError carries enough context to act on an ownership failure
// without inspecting arbiter internals.
type ArbitrationError struct {
	Op       string
	Device   string
	Channels []channel.Channel
	Token    string
	Err      error
}

func (e *ArbitrationError) Error() string {
	if len(e.Channels) > 0 {
		return fmt.Sprintf("%s %s %v: %v", e.Op, e.Device, e.Channels, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *ArbitrationError) Unwrap() error { return e.Err }
