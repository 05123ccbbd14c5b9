package autopilot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miragelabs/mirage-core/internal/channel"
)

const validPlanYAML = `name: morning-commute
device: emulator-5554
stop_on: first_failure
steps:
  - op: set_channel
    channel: location
    value: {lat: 37.7749, lon: -122.4194, alt_m: 52}
  - op: interpolate_channel
    channel: location
    value: {lat: 37.8044, lon: -122.2712, alt_m: 13}
    duration_ms: 5000
  - op: simulate_motion
    gesture: shake
    duration_ms: 1500
  - op: speak
    text: navigation started
  - op: wait
    duration_ms: 1000
  - op: converse
    text: are we there yet
    replies:
      - not yet
      - arrived
`

func TestLoadValidPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(validPlanYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Name != "morning-commute" || p.Device != "emulator-5554" {
		t.Fatalf("unexpected header: %+v", p)
	}
	if len(p.Steps) != 6 {
		t.Fatalf("got %d steps", len(p.Steps))
	}
	if p.Steps[1].DurationMS != 5000 {
		t.Fatalf("interpolate duration = %d", p.Steps[1].DurationMS)
	}
	if lat, ok := p.Steps[0].Value["lat"].(float64); !ok || lat != 37.7749 {
		t.Fatalf("lat = %v", p.Steps[0].Value["lat"])
	}
	if got := p.Steps[5].Replies; len(got) != 2 || got[1] != "arrived" {
		t.Fatalf("replies = %v", got)
	}
}

func TestPlanChannelsCoverWritingSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(validPlanYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	got := p.Channels()
	want := []channel.Channel{channel.Location, channel.Accelerometer}
	if len(got) != len(want) {
		t.Fatalf("channels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channels = %v, want %v", got, want)
		}
	}
}

func TestValidateRejectsBrokenPlans(t *testing.T) {
	base := func() Plan {
		return Plan{
			Name:   "p",
			Device: "d",
			Steps:  []Step{{Op: OpListen}},
		}
	}

	cases := []struct {
		name string
		plan Plan
	}{
		{"missing name", Plan{Device: "d", Steps: []Step{{Op: OpListen}}}},
		{"missing device", Plan{Name: "p", Steps: []Step{{Op: OpListen}}}},
		{"no steps", Plan{Name: "p", Device: "d"}},
		{"over max steps", func() Plan {
			p := base()
			p.MaxSteps = 1
			p.Steps = append(p.Steps, Step{Op: OpListen})
			return p
		}()},
		{"bad stop_on", func() Plan {
			p := base()
			p.StopOn = "sometimes"
			return p
		}()},
		{"unknown op", func() Plan {
			p := base()
			p.Steps = []Step{{Op: "reboot"}}
			return p
		}()},
		{"set without value", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpSetChannel, Channel: "location"}}
			return p
		}()},
		{"set on unknown channel", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpSetChannel, Channel: "thermometer", Value: map[string]any{"c": 20}}}
			return p
		}()},
		{"interpolate without duration", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpInterpolateChannel, Channel: "location", Value: map[string]any{"lat": 1}}}
			return p
		}()},
		{"custom gesture without target", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpSimulateMotion, Gesture: "custom", DurationMS: 100}}
			return p
		}()},
		{"speak without text", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpSpeak}}
			return p
		}()},
		{"converse without replies", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpConverse, Text: "hi"}}
			return p
		}()},
		{"negative timeout", func() Plan {
			p := base()
			p.Steps = []Step{{Op: OpListen, TimeoutMS: -1}}
			return p
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.plan); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("base plan should validate: %v", err)
	}
}
