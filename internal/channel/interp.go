package channel

import (
	"fmt"
	"math"
	"reflect"
	"time"
)

// Interpolator produces intermediate values for an in-flight transition.
// At reports the value for elapsed time t and whether the transition has
// reached its end state.
type Interpolator interface {
	At(t time.Duration) (Value, bool)
}

type linear struct {
	from Value
	to   Value
	dur  time.Duration
}

// NewLinear builds the default transition: a straight-line blend from the
// current value to target over dur. Discrete fields (network kind, charging
// flag) switch when the transition completes.
func NewLinear(from, to Value, dur time.Duration) (Interpolator, error) {
	if dur <= 0 {
		return nil, fmt.Errorf("interpolation duration must be positive, got %s", dur)
	}
	if reflect.TypeOf(from) != reflect.TypeOf(to) {
		return nil, fmt.Errorf("cannot interpolate %T to %T", from, to)
	}
	return &linear{from: from, to: to, dur: dur}, nil
}

func (l *linear) At(t time.Duration) (Value, bool) {
	if t >= l.dur {
		return l.to, true
	}
	frac := float64(t) / float64(l.dur)
	return blend(l.from, l.to, frac), false
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func blend(from, to Value, t float64) Value {
	switch f := from.(type) {
	case Coordinates:
		g := to.(Coordinates)
		return Coordinates{
			Lat:       lerp(f.Lat, g.Lat, t),
			Lon:       lerp(f.Lon, g.Lon, t),
			AltM:      lerp(f.AltM, g.AltM, t),
			AccuracyM: lerp(f.AccuracyM, g.AccuracyM, t),
		}
	case Vector:
		g := to.(Vector)
		return Vector{X: lerp(f.X, g.X, t), Y: lerp(f.Y, g.Y, t), Z: lerp(f.Z, g.Z, t)}
	case Illuminance:
		g := to.(Illuminance)
		return Illuminance{Lux: lerp(f.Lux, g.Lux, t)}
	case ProximityReading:
		g := to.(ProximityReading)
		d := lerp(f.DistanceCM, g.DistanceCM, t)
		return ProximityReading{DistanceCM: d, Near: d < nearThresholdCM}
	case NetworkProfile:
		g := to.(NetworkProfile)
		return NetworkProfile{
			Kind:         f.Kind,
			DownloadMbps: lerp(f.DownloadMbps, g.DownloadMbps, t),
			UploadMbps:   lerp(f.UploadMbps, g.UploadMbps, t),
			LatencyMS:    lerp(f.LatencyMS, g.LatencyMS, t),
			LossPct:      lerp(f.LossPct, g.LossPct, t),
			JitterMS:     lerp(f.JitterMS, g.JitterMS, t),
		}
	case PowerProfile:
		g := to.(PowerProfile)
		return PowerProfile{LevelPct: lerp(f.LevelPct, g.LevelPct, t), Charging: f.Charging}
	}
	return to
}

// Gesture names a canned motion waveform.
type Gesture string

const (
	GestureShake  Gesture = "shake"
	GestureRotate Gesture = "rotate"
	GestureTilt   Gesture = "tilt"
	GestureDrop   Gesture = "drop"
	GestureCustom Gesture = "custom"
)

func ParseGesture(name string) (Gesture, error) {
	g := Gesture(name)
	switch g {
	case GestureShake, GestureRotate, GestureTilt, GestureDrop, GestureCustom:
		return g, nil
	}
	return "", fmt.Errorf("unknown gesture %q", name)
}

// GestureChannel reports which motion channel a gesture drives.
func GestureChannel(g Gesture) Channel {
	if g == GestureRotate {
		return Gyroscope
	}
	return Accelerometer
}

type gestureWave struct {
	gesture Gesture
	base    Vector
	target  Vector
	dur     time.Duration
}

// NewGesture builds a time-varying waveform over a motion channel. base is
// the channel's resting value, restored when the waveform ends. Custom
// gestures ramp to target and hold it.
func NewGesture(g Gesture, base Vector, target Vector, dur time.Duration) (Interpolator, error) {
	if dur <= 0 {
		return nil, fmt.Errorf("gesture duration must be positive, got %s", dur)
	}
	switch g {
	case GestureShake, GestureRotate, GestureTilt, GestureDrop:
	case GestureCustom:
		return NewLinear(base, target, dur)
	default:
		return nil, fmt.Errorf("unknown gesture %q", g)
	}
	return &gestureWave{gesture: g, base: base, target: target, dur: dur}, nil
}

func (w *gestureWave) At(t time.Duration) (Value, bool) {
	if t >= w.dur {
		return w.base, true
	}
	frac := float64(t) / float64(w.dur)
	sec := t.Seconds()
	switch w.gesture {
	case GestureShake:
		// Damped oscillation around rest, 8 Hz, fading out over the run.
		amp := 15.0 * (1 - frac)
		s := math.Sin(2 * math.Pi * 8 * sec)
		return Vector{X: w.base.X + amp*s, Y: w.base.Y + amp*s*0.6, Z: w.base.Z + amp*s*0.3}, false
	case GestureRotate:
		// One slow full turn about the z axis.
		rate := 2 * math.Pi / w.dur.Seconds()
		return Vector{X: w.base.X, Y: w.base.Y, Z: w.base.Z + rate}, false
	case GestureTilt:
		// Gravity swings from -z toward +y and back.
		angle := math.Pi / 4 * math.Sin(math.Pi*frac)
		return Vector{
			X: w.base.X,
			Y: w.base.Y + 9.8*math.Sin(angle),
			Z: -9.8 * math.Cos(angle),
		}, false
	case GestureDrop:
		// Freefall reads near zero until impact.
		if frac < 0.9 {
			return Vector{}, false
		}
		return Vector{X: w.base.X, Y: w.base.Y, Z: w.base.Z - 30*(1-frac)/0.1}, false
	}
	return w.base, false
}
