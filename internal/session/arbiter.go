package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miragelabs/mirage-core/internal/channel"
)

type holdKey struct {
	device string
	ch     channel.Channel
}

// Arbiter enforces single-writer-at-a-time semantics per device channel. It
// grants sessions, preempts strictly lower-priority holders, and validates
// write tokens for the channel store. Locking is a single short-held mutex;
// no arbitration path performs I/O.
type Arbiter struct {
	parent   context.Context
	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]*Session
	holders  map[holdKey]*Session
	watchers []func(Event)
}

func NewArbiter(parent context.Context, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		parent:   parent,
		logger:   logger.With(slog.String("component", "arbiter")),
		sessions: make(map[string]*Session),
		holders:  make(map[holdKey]*Session),
	}
}

// Watch registers a callback for arbitration events. Callbacks run outside
// the arbiter lock, in event order.
func (a *Arbiter) Watch(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers = append(a.watchers, fn)
}

// Acquire grants exclusive ownership of the listed channels. Holders at
// strictly lower priority are preempted (their state flips to Preempted and
// their context is cancelled); any holder at equal or higher priority fails
// the whole acquire with ErrConflict.
func (a *Arbiter) Acquire(device string, channels []channel.Channel, prio Priority, owner string) (*Session, error) {
	if len(channels) == 0 {
		channels = channel.All()
	}

	a.mu.Lock()
	var preempt []*Session
	for _, ch := range channels {
		holder, ok := a.holders[holdKey{device: device, ch: ch}]
		if !ok {
			continue
		}
		if holder.Priority >= prio {
			a.mu.Unlock()
			return nil, &ArbitrationError{Op: "acquire", Device: device, Channels: channels, Err: ErrConflict}
		}
		if !containsSession(preempt, holder) {
			preempt = append(preempt, holder)
		}
	}

	now := time.Now().UTC()
	var events []Event
	for _, victim := range preempt {
		events = append(events, a.endLocked(victim, StatePreempted, now))
	}

	ctx, cancel := context.WithCancelCause(a.parent)
	sess := &Session{
		Token:      uuid.NewString(),
		Device:     device,
		Channels:   append([]channel.Channel(nil), channels...),
		Priority:   prio,
		Owner:      owner,
		State:      StateActive,
		AcquiredAt: now,
		ctx:        ctx,
		cancel:     cancel,
	}
	a.sessions[sess.Token] = sess
	for _, ch := range channels {
		a.holders[holdKey{device: device, ch: ch}] = sess
	}
	events = append(events, Event{
		Kind:     EventAcquired,
		Token:    sess.Token,
		Device:   device,
		Channels: sess.Channels,
		Priority: prio,
		Owner:    owner,
		At:       now,
	})
	watchers := append([]func(Event)(nil), a.watchers...)
	a.mu.Unlock()

	for _, victim := range preempt {
		a.logger.Info("session preempted",
			slog.String("device", device),
			slog.String("token", victim.Token),
			slog.String("by", owner),
			slog.Int("priority", int(prio)))
	}
	notify(watchers, events)
	return sess, nil
}

// Release ends a session held by token. Only the current owner may release;
// anything else fails with ErrNotOwner.
func (a *Arbiter) Release(token string) error {
	a.mu.Lock()
	sess, ok := a.sessions[token]
	if !ok || sess.State != StateActive {
		a.mu.Unlock()
		return &ArbitrationError{Op: "release", Device: deviceOf(sess), Token: token, Err: ErrNotOwner}
	}
	ev := a.endLocked(sess, StateReleased, time.Now().UTC())
	watchers := append([]func(Event)(nil), a.watchers...)
	a.mu.Unlock()

	notify(watchers, []Event{ev})
	return nil
}

// ReleaseDevice ends every session on a device. Used when the bridge
// handshake is torn down; the sessions end Released, not Preempted.
func (a *Arbiter) ReleaseDevice(device string) {
	a.mu.Lock()
	now := time.Now().UTC()
	var events []Event
	for _, sess := range a.sessions {
		if sess.Device == device && sess.State == StateActive {
			events = append(events, a.endLocked(sess, StateReleased, now))
		}
	}
	watchers := append([]func(Event)(nil), a.watchers...)
	a.mu.Unlock()

	notify(watchers, events)
}

// Authorize implements channel.Guard: a write token must belong to an Active
// session covering the channel.
func (a *Arbiter) Authorize(token, device string, ch channel.Channel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[token]
	if !ok || sess.State != StateActive || !sess.covers(device, ch) {
		return &ArbitrationError{
			Op:       "write",
			Device:   device,
			Channels: []channel.Channel{ch},
			Token:    token,
			Err:      ErrUnauthorizedWrite,
		}
	}
	return nil
}

// Get returns the active session for a token.
func (a *Arbiter) Get(token string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[token]
	return sess, ok
}

// ActiveFor lists the active sessions holding channels on a device.
func (a *Arbiter) ActiveFor(device string) []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	var out []*Session
	for _, sess := range a.holders {
		if sess.Device == device && !seen[sess.Token] {
			seen[sess.Token] = true
			out = append(out, sess)
		}
	}
	return out
}

// endLocked finalizes a session under the arbiter lock and returns the event
// describing it. Cancelling the context here is what propagates preemption to
// in-flight work within one scheduler tick; the cancellation cause tells that
// work whether it was preempted or released.
func (a *Arbiter) endLocked(sess *Session, state State, now time.Time) Event {
	sess.State = state
	sess.EndedAt = now
	cause := ErrSessionClosed
	kind := EventReleased
	if state == StatePreempted {
		cause = ErrPreempted
		kind = EventPreempted
	}
	sess.cancel(cause)
	delete(a.sessions, sess.Token)
	for _, ch := range sess.Channels {
		key := holdKey{device: sess.Device, ch: ch}
		if a.holders[key] == sess {
			delete(a.holders, key)
		}
	}
	return Event{
		Kind:     kind,
		Token:    sess.Token,
		Device:   sess.Device,
		Channels: sess.Channels,
		Priority: sess.Priority,
		Owner:    sess.Owner,
		At:       now,
	}
}

func notify(watchers []func(Event), events []Event) {
	for _, ev := range events {
		for _, fn := range watchers {
			fn(ev)
		}
	}
}

func containsSession(list []*Session, s *Session) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func deviceOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.Device
}
