package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// resamplePCM converts 16-bit interleaved PCM between rates by nearest-sample
// selection. Good enough for simulated voice paths.
func resamplePCM(pcm []byte, fromRate, toRate, channels int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	outFrames := int(int64(frames) * int64(toRate) / int64(fromRate))
	out := make([]byte, outFrames*frameBytes)
	for i := 0; i < outFrames; i++ {
		src := int(int64(i) * int64(fromRate) / int64(toRate))
		copy(out[i*frameBytes:(i+1)*frameBytes], pcm[src*frameBytes:src*frameBytes+frameBytes])
	}
	return out
}

// downmixMono averages interleaved channels into one.
func downmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+c*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

func convertChannels(pcm []byte, from, to int) ([]byte, error) {
	switch {
	case from == to:
		return pcm, nil
	case to == 1:
		return downmixMono(pcm, from), nil
	}
	return nil, fmt.Errorf("cannot convert %d-channel audio to %d channels", from, to)
}

// rmsInt16 measures signal energy for silence detection.
func rmsInt16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
