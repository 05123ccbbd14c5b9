package channel

import (
	"hash/fnv"
	"math/rand"
)

// latLonPerMeter approximates one meter of drift in degrees at mid latitudes.
const latLonPerMeter = 1e-5

// Noise perturbs channel readings with a deterministic pseudo-random walk.
// The sequence is fully determined by (seed, device, channel), so two
// schedulers built with the same seed emit identical streams.
type Noise struct {
	amp float64
	rng *rand.Rand
}

// NewNoise derives an independent generator for one device channel. A zero
// amplitude yields a pass-through model.
func NewNoise(seed int64, device string, ch Channel, amp float64) *Noise {
	h := fnv.New64a()
	h.Write([]byte(device))
	h.Write([]byte{0})
	h.Write([]byte(ch))
	return &Noise{
		amp: amp,
		rng: rand.New(rand.NewSource(seed ^ int64(h.Sum64()))),
	}
}

func (n *Noise) jitter() float64 {
	return (n.rng.Float64()*2 - 1) * n.amp
}

// Apply returns v perturbed by the next step of the sequence. Network and
// Power profiles pass through untouched.
func (n *Noise) Apply(v Value) Value {
	if n == nil || n.amp == 0 {
		return v
	}
	switch val := v.(type) {
	case Coordinates:
		val.Lat += n.jitter() * latLonPerMeter
		val.Lon += n.jitter() * latLonPerMeter
		val.AltM += n.jitter()
		return val
	case Vector:
		val.X += n.jitter()
		val.Y += n.jitter()
		val.Z += n.jitter()
		return val
	case Illuminance:
		val.Lux += n.jitter()
		if val.Lux < 0 {
			val.Lux = 0
		}
		return val
	case ProximityReading:
		val.DistanceCM += n.jitter()
		if val.DistanceCM < 0 {
			val.DistanceCM = 0
		}
		return val
	}
	return v
}
