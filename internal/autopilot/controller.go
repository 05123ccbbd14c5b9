package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

// Operations is the slice of engine surface a run drives. Acquisition happens
// at autonomous priority so any manual or scripted caller preempts the run.
type Operations interface {
	AcquireAutonomous(device string, channels []channel.Channel, owner string) (token string, hold context.Context, err error)
	ReleaseSession(token string) error
	SetChannel(ctx context.Context, token, device string, ch channel.Channel, v channel.Value) error
	InterpolateChannel(ctx context.Context, token, device string, ch channel.Channel, target channel.Value, d time.Duration) error
	SimulateMotion(ctx context.Context, token, device string, g channel.Gesture, target channel.Vector, d time.Duration) error
	Speak(ctx context.Context, device, text, voice string) error
	SpeakFile(ctx context.Context, device, path string) error
	Listen(ctx context.Context, device string) (audio.TranscriptResult, error)
	Converse(ctx context.Context, device, opening string, reply audio.ReplyFunc) ([]audio.Exchange, error)
}

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunAborted   = "aborted"
)

// Abort reasons.
const (
	AbortPreempted = "preempted"
	AbortCancelled = "cancelled"
	AbortTakeover  = "takeover"
)

const stepRetryBase = 200 * time.Millisecond

// Run is a point-in-time view of one plan execution. LastCompleted is -1
// until the first step finishes; callers use it to resume an aborted plan.
type Run struct {
	ID            string
	Plan          string
	Device        string
	State         string
	Step          int
	LastCompleted int
	Reason        string
	Err           string
	StartedAt     time.Time
	EndedAt       time.Time
}

type run struct {
	snap      Run
	cancelled bool
}

// Service executes plans, one goroutine per run.
type Service struct {
	cfg config.AutopilotConfig
	ops Operations
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*run
	watchers []func(protocol.AutopilotProgress)
}

func NewService(parent context.Context, cfg config.AutopilotConfig, ops Operations, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		ops:    ops,
		log:    logger.With(slog.String("component", "autopilot")),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

// OnProgress registers a watcher for run progress events.
func (s *Service) OnProgress(fn func(protocol.AutopilotProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Launch validates the plan, acquires its session and starts executing in
// the background. The returned snapshot carries the run id.
func (s *Service) Launch(plan Plan) (Run, error) {
	if err := Validate(plan); err != nil {
		return Run{}, fmt.Errorf("invalid plan %q: %w", plan.Name, err)
	}
	if s.ctx.Err() != nil {
		return Run{}, errors.New("autopilot is closed")
	}
	token, hold, err := s.ops.AcquireAutonomous(plan.Device, plan.Channels(), "autopilot/"+plan.Name)
	if err != nil {
		return Run{}, fmt.Errorf("acquire session for plan %q: %w", plan.Name, err)
	}

	r := &run{snap: Run{
		ID:            uuid.NewString(),
		Plan:          plan.Name,
		Device:        plan.Device,
		State:         RunRunning,
		LastCompleted: -1,
		StartedAt:     time.Now().UTC(),
	}}
	s.mu.Lock()
	s.runs[r.snap.ID] = r
	s.mu.Unlock()

	s.log.Info("plan launched",
		slog.String("run_id", r.snap.ID),
		slog.String("plan", plan.Name),
		slog.String("device", plan.Device),
		slog.Int("steps", len(plan.Steps)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// The session is already gone when the run was preempted.
			if err := s.ops.ReleaseSession(token); err != nil && !errors.Is(err, session.ErrNotOwner) {
				s.log.Warn("release after run", slog.String("run_id", r.snap.ID), slogError(err))
			}
		}()
		s.execute(r, plan, token, hold)
	}()
	return r.snap, nil
}

// Cancel stops a run after its in-flight step completes.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("no run %s", id)
	}
	if r.snap.State != RunRunning {
		return fmt.Errorf("run %s already %s", id, r.snap.State)
	}
	r.cancelled = true
	return nil
}

func (s *Service) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.snap, true
}

func (s *Service) List() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.snap)
	}
	return out
}

func (s *Service) execute(r *run, plan Plan, token string, hold context.Context) {
	stopOn := plan.StopOn
	if stopOn == "" {
		stopOn = StopFirstFailure
	}
	failures := 0
	for i, step := range plan.Steps {
		// Cancellation is observed between steps, never mid-step.
		if s.interrupted(r, hold) {
			return
		}
		s.setStep(r, i)
		s.emit(r, i, step.Op, "step_started", nil)

		err := s.runStep(token, plan.Device, step)
		if err == nil {
			s.completeStep(r, i)
			s.emit(r, i, step.Op, "step_completed", nil)
			continue
		}

		err = fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		s.emit(r, i, step.Op, "step_failed", err)
		if isTakeover(err) {
			s.finish(r, RunAborted, AbortTakeover, err)
			return
		}
		failures++
		if stopOn == StopFirstFailure {
			s.finish(r, RunFailed, "", err)
			return
		}
		s.log.Warn("step failed, continuing", slog.String("run_id", r.snap.ID), slogError(err))
	}
	if failures > 0 {
		s.finish(r, RunFailed, "", fmt.Errorf("%d of %d steps failed", failures, len(plan.Steps)))
		return
	}
	s.finish(r, RunCompleted, "", nil)
}

// interrupted reports whether the run should stop before its next step,
// finishing it if so.
func (s *Service) interrupted(r *run, hold context.Context) bool {
	s.mu.Lock()
	cancelled := r.cancelled
	s.mu.Unlock()
	if cancelled {
		s.finish(r, RunAborted, AbortCancelled, nil)
		return true
	}
	if hold.Err() != nil {
		cause := context.Cause(hold)
		reason := AbortCancelled
		if errors.Is(cause, session.ErrPreempted) {
			reason = AbortPreempted
		}
		s.finish(r, RunAborted, reason, cause)
		return true
	}
	if s.ctx.Err() != nil {
		s.finish(r, RunAborted, AbortCancelled, s.ctx.Err())
		return true
	}
	return false
}

func (s *Service) runStep(token, device string, step Step) error {
	timeout := time.Duration(s.cfg.StepTimeoutMS) * time.Millisecond
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	op := func() error {
		err := s.apply(ctx, token, device, step)
		if err == nil {
			return nil
		}
		// Only transport failures are transient. Everything else, above all
		// arbitration errors signalling a human takeover, fails at once.
		if errors.Is(err, bridge.ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = stepRetryBase
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxStepRetries)), ctx))
}

func (s *Service) apply(ctx context.Context, token, device string, step Step) error {
	switch step.Op {
	case OpSetChannel:
		ch, err := channel.Parse(step.Channel)
		if err != nil {
			return err
		}
		v, err := decodeStepValue(ch, step.Value)
		if err != nil {
			return err
		}
		return s.ops.SetChannel(ctx, token, device, ch, v)
	case OpInterpolateChannel:
		ch, err := channel.Parse(step.Channel)
		if err != nil {
			return err
		}
		v, err := decodeStepValue(ch, step.Value)
		if err != nil {
			return err
		}
		return s.ops.InterpolateChannel(ctx, token, device, ch, v, stepDuration(step))
	case OpSimulateMotion:
		g, err := channel.ParseGesture(step.Gesture)
		if err != nil {
			return err
		}
		var target channel.Vector
		if len(step.Value) > 0 {
			v, err := decodeStepValue(channel.GestureChannel(g), step.Value)
			if err != nil {
				return err
			}
			target = v.(channel.Vector)
		}
		return s.ops.SimulateMotion(ctx, token, device, g, target, stepDuration(step))
	case OpSpeak:
		return s.ops.Speak(ctx, device, step.Text, step.Voice)
	case OpSpeakFile:
		return s.ops.SpeakFile(ctx, device, step.Path)
	case OpListen:
		heard, err := s.ops.Listen(ctx, device)
		if err != nil {
			return err
		}
		s.log.Info("device said", slog.String("device", device), slog.String("text", heard.Text))
		return nil
	case OpConverse:
		next := 0
		reply := func(_ context.Context, heard string) (string, bool, error) {
			s.log.Info("device said", slog.String("device", device), slog.String("text", heard))
			if next >= len(step.Replies) {
				return "", true, nil
			}
			line := step.Replies[next]
			next++
			return line, next == len(step.Replies), nil
		}
		_, err := s.ops.Converse(ctx, device, step.Text, reply)
		return err
	case OpWait:
		t := time.NewTimer(stepDuration(step))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return fmt.Errorf("op %q not supported", step.Op)
}

func (s *Service) setStep(r *run, i int) {
	s.mu.Lock()
	r.snap.Step = i
	s.mu.Unlock()
}

func (s *Service) completeStep(r *run, i int) {
	s.mu.Lock()
	r.snap.LastCompleted = i
	s.mu.Unlock()
}

func (s *Service) finish(r *run, state, reason string, err error) {
	s.mu.Lock()
	r.snap.State = state
	r.snap.Reason = reason
	if err != nil {
		r.snap.Err = err.Error()
	}
	r.snap.EndedAt = time.Now().UTC()
	snap := r.snap
	s.mu.Unlock()

	s.emit(r, snap.Step, "", state, err)

	attrs := []any{
		slog.String("run_id", snap.ID),
		slog.String("plan", snap.Plan),
		slog.String("state", state),
		slog.Int("last_completed", snap.LastCompleted),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	if state == RunCompleted {
		s.log.Info("plan finished", attrs...)
	} else {
		s.log.Warn("plan finished", attrs...)
	}
}

func (s *Service) emit(r *run, step int, op, status string, err error) {
	s.mu.Lock()
	snap := r.snap
	watchers := append([]func(protocol.AutopilotProgress)(nil), s.watchers...)
	s.mu.Unlock()

	ev := protocol.AutopilotProgress{
		RunID:         snap.ID,
		Plan:          snap.Plan,
		Device:        snap.Device,
		Step:          step,
		Op:            op,
		Status:        status,
		LastCompleted: snap.LastCompleted,
		At:            time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, fn := range watchers {
		fn(ev)
	}
}

func stepDuration(s Step) time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

func decodeStepValue(ch channel.Channel, value map[string]any) (channel.Value, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return channel.DecodeValue(ch, raw)
}

func isTakeover(err error) bool {
	return errors.Is(err, session.ErrConflict) ||
		errors.Is(err, session.ErrNotOwner) ||
		errors.Is(err, session.ErrUnauthorizedWrite)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
