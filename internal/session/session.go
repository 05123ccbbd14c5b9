package session

import (
	"context"
	"time"

	"github.com/miragelabs/mirage-core/internal/channel"
)

// State tracks a session through its lifecycle.
type State string

const (
	StateRequested State = "requested"
	StateActive    State = "active"
	StateReleased  State = "released"
	StatePreempted State = "preempted"
)

// Priority orders caller classes for arbitration. Higher wins; a strictly
// higher acquire preempts, an equal-or-lower one conflicts.
type Priority int

const (
	PriorityAutonomous Priority = 10
	PriorityScripted   Priority = 20
	PriorityManual     Priority = 30
)

// Session is one exclusive ownership grant over a set of device channels.
// The token is the only credential: every store write carries it. State and
// EndedAt are owned by the arbiter; concurrent observers use Context and
// context.Cause instead of reading them.
type Session struct {
	Token      string
	Device     string
	Channels   []channel.Channel
	Priority   Priority
	Owner      string
	State      State
	AcquiredAt time.Time
	EndedAt    time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context is cancelled the moment the session stops being Active, whether by
// release, preemption, or device disconnect. In-flight work issued under the
// session's token selects on it; context.Cause reports ErrPreempted or
// ErrSessionClosed.
func (s *Session) Context() context.Context { return s.ctx }

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) covers(device string, ch channel.Channel) bool {
	if s.Device != device {
		return false
	}
	for _, c := range s.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// EventKind labels arbitration notifications.
type EventKind string

const (
	EventAcquired  EventKind = "acquired"
	EventReleased  EventKind = "released"
	EventPreempted EventKind = "preempted"
)

// Event describes one arbitration transition, delivered to watchers in the
// order it happened.
type Event struct {
	Kind     EventKind
	Token    string
	Device   string
	Channels []channel.Channel
	Priority Priority
	Owner    string
	At       time.Time
}
