package autopilot

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"

	"github.com/miragelabs/mirage-core/internal/channel"
)

// Step operations. Each maps to exactly one engine call.
const (
	OpSetChannel         = "set_channel"
	OpInterpolateChannel = "interpolate_channel"
	OpSimulateMotion     = "simulate_motion"
	OpSpeak              = "speak"
	OpSpeakFile          = "speak_file"
	OpListen             = "listen"
	OpConverse           = "converse"
	OpWait               = "wait"
)

// Stop policies. First failure ends the run; run_to_end records failures and
// keeps going. Arbitration errors abort either way.
const (
	StopFirstFailure = "first_failure"
	StopRunToEnd     = "run_to_end"
)

// Plan is an externally reduced sequence of discrete operations against one
// device. The reduction from a natural-language objective happens outside
// the engine; a plan arrives already shaped like engine calls.
type Plan struct {
	Name     string `yaml:"name"`
	Device   string `yaml:"device"`
	MaxSteps int    `yaml:"max_steps,omitempty"`
	StopOn   string `yaml:"stop_on,omitempty"`
	Steps    []Step `yaml:"steps"`
}

// Step is one operation. Which fields apply depends on Op; Validate enforces
// the combinations.
type Step struct {
	Op         string         `yaml:"op"`
	Channel    string         `yaml:"channel,omitempty"`
	Value      map[string]any `yaml:"value,omitempty"`
	Gesture    string         `yaml:"gesture,omitempty"`
	DurationMS int            `yaml:"duration_ms,omitempty"`
	Text       string         `yaml:"text,omitempty"`
	Voice      string         `yaml:"voice,omitempty"`
	Path       string         `yaml:"path,omitempty"`
	Replies    []string       `yaml:"replies,omitempty"`
	TimeoutMS  int            `yaml:"timeout_ms,omitempty"`
}

// Load reads a plan from disk.
func Load(path string) (Plan, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate ensures the plan is executable before a session is acquired.
func Validate(p Plan) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Device == "" {
		return fmt.Errorf("device is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("steps must include at least one entry")
	}
	if p.MaxSteps > 0 && len(p.Steps) > p.MaxSteps {
		return fmt.Errorf("plan has %d steps, max_steps allows %d", len(p.Steps), p.MaxSteps)
	}
	switch p.StopOn {
	case "", StopFirstFailure, StopRunToEnd:
	default:
		return fmt.Errorf("stop_on %q not supported", p.StopOn)
	}
	for i, s := range p.Steps {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if s.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	switch s.Op {
	case OpSetChannel:
		if _, err := channel.Parse(s.Channel); err != nil {
			return err
		}
		if len(s.Value) == 0 {
			return fmt.Errorf("%s requires a value", s.Op)
		}
	case OpInterpolateChannel:
		if _, err := channel.Parse(s.Channel); err != nil {
			return err
		}
		if len(s.Value) == 0 {
			return fmt.Errorf("%s requires a value", s.Op)
		}
		if s.DurationMS <= 0 {
			return fmt.Errorf("%s requires a positive duration_ms", s.Op)
		}
	case OpSimulateMotion:
		g, err := channel.ParseGesture(s.Gesture)
		if err != nil {
			return err
		}
		if g == channel.GestureCustom && len(s.Value) == 0 {
			return fmt.Errorf("custom gesture requires a target value")
		}
		if s.DurationMS <= 0 {
			return fmt.Errorf("%s requires a positive duration_ms", s.Op)
		}
	case OpSpeak:
		if s.Text == "" {
			return fmt.Errorf("%s requires text", s.Op)
		}
	case OpSpeakFile:
		if s.Path == "" {
			return fmt.Errorf("%s requires a path", s.Op)
		}
	case OpListen:
	case OpConverse:
		if len(s.Replies) == 0 {
			return fmt.Errorf("%s requires at least one reply", s.Op)
		}
	case OpWait:
		if s.DurationMS <= 0 {
			return fmt.Errorf("%s requires a positive duration_ms", s.Op)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("op %q not supported", s.Op)
	}
	return nil
}

// Channels reports the sensor channels the plan writes, for session
// acquisition. Audio steps claim no sensor channel.
func (p Plan) Channels() []channel.Channel {
	seen := make(map[channel.Channel]bool)
	var out []channel.Channel
	add := func(ch channel.Channel) {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	for _, s := range p.Steps {
		switch s.Op {
		case OpSetChannel, OpInterpolateChannel:
			if ch, err := channel.Parse(s.Channel); err == nil {
				add(ch)
			}
		case OpSimulateMotion:
			if g, err := channel.ParseGesture(s.Gesture); err == nil {
				add(channel.GestureChannel(g))
			}
		}
	}
	return out
}
