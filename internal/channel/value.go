package channel

import (
	"fmt"
	"math"
)

// Value is one typed reading for a channel. Concrete types below; which type
// a channel accepts is fixed (see Validate).
type Value interface {
	isValue()
}

// Coordinates is the Location channel value.
type Coordinates struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltM      float64 `json:"alt_m"`
	AccuracyM float64 `json:"accuracy_m"`
}

// Vector is the reading for the three-axis motion channels.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Illuminance is the AmbientLight channel value.
type Illuminance struct {
	Lux float64 `json:"lux"`
}

// ProximityReading is the Proximity channel value.
type ProximityReading struct {
	DistanceCM float64 `json:"distance_cm"`
	Near       bool    `json:"near"`
}

// NetworkKind enumerates the simulated link types.
type NetworkKind string

const (
	NetworkWifi       NetworkKind = "wifi"
	NetworkCellular4G NetworkKind = "cellular-4g"
	NetworkCellular5G NetworkKind = "cellular-5g"
	NetworkEthernet   NetworkKind = "ethernet"
	NetworkOffline    NetworkKind = "offline"
)

func (k NetworkKind) Valid() bool {
	switch k {
	case NetworkWifi, NetworkCellular4G, NetworkCellular5G, NetworkEthernet, NetworkOffline:
		return true
	}
	return false
}

// NetworkProfile is the Network channel value.
type NetworkProfile struct {
	Kind         NetworkKind `json:"kind"`
	DownloadMbps float64     `json:"download_mbps"`
	UploadMbps   float64     `json:"upload_mbps"`
	LatencyMS    float64     `json:"latency_ms"`
	LossPct      float64     `json:"loss_pct"`
	JitterMS     float64     `json:"jitter_ms"`
}

// PowerProfile is the Power channel value.
type PowerProfile struct {
	LevelPct float64 `json:"level_pct"`
	Charging bool    `json:"charging"`
}

func (Coordinates) isValue()      {}
func (Vector) isValue()           {}
func (Illuminance) isValue()      {}
func (ProximityReading) isValue() {}
func (NetworkProfile) isValue()   {}
func (PowerProfile) isValue()     {}

// nearThresholdCM is where proximity sensors flip to "near" when a reading is
// derived rather than set explicitly.
const nearThresholdCM = 5.0

// Axis magnitude caps per motion channel.
const (
	maxAccel = 200.0  // m/s^2
	maxGyro  = 100.0  // rad/s
	maxMag   = 5000.0 // uT
)

// ValueError reports a rejected channel write.
type ValueError struct {
	Device  string
	Channel Channel
	Reason  string
}

func (e *ValueError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("invalid value for channel %s: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("invalid value for %s/%s: %s", e.Device, e.Channel, e.Reason)
}

// Validate checks that v is the right type for ch and inside the channel's
// declared ranges. Device context is filled in by the store.
func Validate(ch Channel, v Value) *ValueError {
	fail := func(format string, args ...any) *ValueError {
		return &ValueError{Channel: ch, Reason: fmt.Sprintf(format, args...)}
	}
	switch ch {
	case Location:
		c, ok := v.(Coordinates)
		if !ok {
			return fail("want Coordinates, got %T", v)
		}
		if c.Lat < -90 || c.Lat > 90 {
			return fail("lat %.4f out of range [-90, 90]", c.Lat)
		}
		if c.Lon < -180 || c.Lon > 180 {
			return fail("lon %.4f out of range [-180, 180]", c.Lon)
		}
		if c.AccuracyM <= 0 {
			return fail("accuracy_m must be positive, got %.2f", c.AccuracyM)
		}
	case Accelerometer, Gyroscope, Magnetometer:
		vec, ok := v.(Vector)
		if !ok {
			return fail("want Vector, got %T", v)
		}
		limit := maxAccel
		switch ch {
		case Gyroscope:
			limit = maxGyro
		case Magnetometer:
			limit = maxMag
		}
		if math.Abs(vec.X) > limit || math.Abs(vec.Y) > limit || math.Abs(vec.Z) > limit {
			return fail("axis magnitude exceeds %.0f: {%.2f, %.2f, %.2f}", limit, vec.X, vec.Y, vec.Z)
		}
	case AmbientLight:
		l, ok := v.(Illuminance)
		if !ok {
			return fail("want Illuminance, got %T", v)
		}
		if l.Lux < 0 {
			return fail("lux must be non-negative, got %.2f", l.Lux)
		}
	case Proximity:
		p, ok := v.(ProximityReading)
		if !ok {
			return fail("want ProximityReading, got %T", v)
		}
		if p.DistanceCM < 0 {
			return fail("distance_cm must be non-negative, got %.2f", p.DistanceCM)
		}
	case Network:
		n, ok := v.(NetworkProfile)
		if !ok {
			return fail("want NetworkProfile, got %T", v)
		}
		if !n.Kind.Valid() {
			return fail("unknown network kind %q", n.Kind)
		}
		if n.DownloadMbps < 0 || n.UploadMbps < 0 || n.LatencyMS < 0 || n.JitterMS < 0 {
			return fail("rates, latency and jitter must be non-negative")
		}
		if n.LossPct < 0 || n.LossPct > 100 {
			return fail("loss_pct %.1f out of range [0, 100]", n.LossPct)
		}
	case Power:
		p, ok := v.(PowerProfile)
		if !ok {
			return fail("want PowerProfile, got %T", v)
		}
		if p.LevelPct < 0 || p.LevelPct > 100 {
			return fail("level_pct %.1f out of range [0, 100]", p.LevelPct)
		}
	default:
		return fail("unknown channel")
	}
	return nil
}

// DefaultValue returns the boot-time reading for a channel: a stationary
// device sitting flat on a desk in San Francisco.
func DefaultValue(ch Channel) Value {
	switch ch {
	case Location:
		return Coordinates{Lat: 37.7749, Lon: -122.4194, AltM: 52.0, AccuracyM: 5.0}
	case Accelerometer:
		return Vector{X: 0, Y: 0, Z: -9.8}
	case Gyroscope:
		return Vector{}
	case Magnetometer:
		return Vector{X: 23.1, Y: -45.2, Z: 12.7}
	case AmbientLight:
		return Illuminance{Lux: 300}
	case Proximity:
		return ProximityReading{DistanceCM: 5.0, Near: false}
	case Network:
		return NetworkProfile{
			Kind:         NetworkWifi,
			DownloadMbps: 100,
			UploadMbps:   20,
			LatencyMS:    20,
			LossPct:      0,
			JitterMS:     1,
		}
	case Power:
		return PowerProfile{LevelPct: 85, Charging: false}
	}
	return nil
}
