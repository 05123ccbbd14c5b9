package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/miragelabs/mirage-core/internal/channel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newArbiter(t *testing.T) *Arbiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewArbiter(ctx, newLogger())
}

func TestAcquireGrantsAndReleaseFrees(t *testing.T) {
	a := newArbiter(t)

	s1, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s1.State != StateActive || s1.Token == "" {
		t.Fatalf("unexpected session: %+v", s1)
	}

	if err := a.Release(s1.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s1.State != StateReleased {
		t.Fatalf("state after release = %s, want released", s1.State)
	}

	// Channel is free again.
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "test"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireConflictsAtEqualPriority(t *testing.T) {
	a := newArbiter(t)
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "first"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "second")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Lower priority conflicts too.
	_, err = a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityAutonomous, "robot")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for lower priority, got %v", err)
	}
}

func TestManualPreemptsAutonomous(t *testing.T) {
	a := newArbiter(t)
	robot, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityAutonomous, "robot")
	if err != nil {
		t.Fatalf("acquire autonomous: %v", err)
	}

	human, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "human")
	if err != nil {
		t.Fatalf("manual acquire should preempt, got %v", err)
	}
	if robot.State != StatePreempted {
		t.Fatalf("victim state = %s, want preempted", robot.State)
	}
	if human.State != StateActive {
		t.Fatalf("winner state = %s, want active", human.State)
	}

	select {
	case <-robot.Done():
	default:
		t.Fatal("preempted session context not cancelled")
	}
	if cause := context.Cause(robot.Context()); !errors.Is(cause, ErrPreempted) {
		t.Fatalf("cancellation cause = %v, want ErrPreempted", cause)
	}
}

func TestPreemptedTokenNeverWritesAgain(t *testing.T) {
	a := newArbiter(t)
	robot, _ := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityAutonomous, "robot")
	if err := a.Authorize(robot.Token, "emulator-5554", channel.Location); err != nil {
		t.Fatalf("authorize while held: %v", err)
	}

	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "human"); err != nil {
		t.Fatalf("preempting acquire: %v", err)
	}

	err := a.Authorize(robot.Token, "emulator-5554", channel.Location)
	if !errors.Is(err, ErrUnauthorizedWrite) {
		t.Fatalf("expected ErrUnauthorizedWrite after preemption, got %v", err)
	}
}

func TestAuthorizeScopesToChannelSet(t *testing.T) {
	a := newArbiter(t)
	s, _ := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "test")

	if err := a.Authorize(s.Token, "emulator-5554", channel.Power); !errors.Is(err, ErrUnauthorizedWrite) {
		t.Fatalf("expected unauthorized for uncovered channel, got %v", err)
	}
	if err := a.Authorize(s.Token, "other-device", channel.Location); !errors.Is(err, ErrUnauthorizedWrite) {
		t.Fatalf("expected unauthorized for other device, got %v", err)
	}
	if err := a.Authorize("no-such-token", "emulator-5554", channel.Location); !errors.Is(err, ErrUnauthorizedWrite) {
		t.Fatalf("expected unauthorized for unknown token, got %v", err)
	}
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	a := newArbiter(t)
	s, _ := a.Acquire("emulator-5554", nil, PriorityManual, "test")

	if err := a.Release("not-the-token"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := a.Release(s.Token); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	// Double release is NotOwner as well: the token is stale now.
	if err := a.Release(s.Token); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on double release, got %v", err)
	}
}

func TestDisjointChannelSetsCoexist(t *testing.T) {
	a := newArbiter(t)
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "gps"); err != nil {
		t.Fatalf("acquire location: %v", err)
	}
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Power}, PriorityManual, "battery"); err != nil {
		t.Fatalf("acquire power alongside location: %v", err)
	}

	active := a.ActiveFor("emulator-5554")
	if len(active) != 2 {
		t.Fatalf("active sessions = %d, want 2", len(active))
	}
}

func TestPartialOverlapPreemptsWholeVictim(t *testing.T) {
	a := newArbiter(t)
	robot, _ := a.Acquire("emulator-5554", []channel.Channel{channel.Location, channel.Power}, PriorityAutonomous, "robot")

	// Preempting just one of the victim's channels still ends the whole grant.
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Power}, PriorityManual, "human"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if robot.State != StatePreempted {
		t.Fatalf("victim state = %s, want preempted", robot.State)
	}
	// The victim's other channel is free now.
	if _, err := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityAutonomous, "robot2"); err != nil {
		t.Fatalf("acquire freed channel: %v", err)
	}
}

func TestWatcherSeesPreemptionBeforeGrant(t *testing.T) {
	a := newArbiter(t)
	var kinds []EventKind
	a.Watch(func(ev Event) { kinds = append(kinds, ev.Kind) })

	a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityAutonomous, "robot")
	a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "human")

	want := []EventKind{EventAcquired, EventPreempted, EventAcquired}
	if len(kinds) != len(want) {
		t.Fatalf("events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestReleaseDeviceEndsAllSessions(t *testing.T) {
	a := newArbiter(t)
	s1, _ := a.Acquire("emulator-5554", []channel.Channel{channel.Location}, PriorityManual, "gps")
	s2, _ := a.Acquire("emulator-5554", []channel.Channel{channel.Power}, PriorityScripted, "battery")
	other, _ := a.Acquire("iphone-sim", []channel.Channel{channel.Location}, PriorityManual, "gps")

	a.ReleaseDevice("emulator-5554")
	if s1.State != StateReleased || s2.State != StateReleased {
		t.Fatalf("states = %s/%s, want released", s1.State, s2.State)
	}
	if cause := context.Cause(s1.Context()); !errors.Is(cause, ErrSessionClosed) {
		t.Fatalf("cause = %v, want ErrSessionClosed", cause)
	}
	if other.State != StateActive {
		t.Fatalf("unrelated device session ended: %s", other.State)
	}
}

func TestAcquireDefaultsToAllChannels(t *testing.T) {
	a := newArbiter(t)
	s, err := a.Acquire("emulator-5554", nil, PriorityManual, "test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(s.Channels) != len(channel.All()) {
		t.Fatalf("channels = %d, want all %d", len(s.Channels), len(channel.All()))
	}
}
