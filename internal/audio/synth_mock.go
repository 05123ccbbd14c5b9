package audio

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth produces a deterministic sine tone per utterance: frequency is
// derived from the text, duration from its length. Identical input yields
// identical PCM.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		pcm := toneFor(req.Text, m.sampleRate, m.channels)
		// Quarter-second slices; the pipeline re-chunks at the device rate.
		step := m.sampleRate * m.channels * 2 / 4
		sequence := 0
		for offset := 0; offset < len(pcm); offset += step {
			end := offset + step
			if end > len(pcm) {
				end = len(pcm)
			}
			chunk := SynthChunk{
				Device:     req.Device,
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm[offset:end],
				Final:      end == len(pcm),
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			sequence++
		}
	}()
	return chunks, errs
}

func toneFor(text string, sampleRate, channels int) []byte {
	h := fnv.New32a()
	h.Write([]byte(text))
	freq := 200 + float64(h.Sum32()%600)

	dur := time.Duration(len(text)) * 40 * time.Millisecond
	if dur < 200*time.Millisecond {
		dur = 200 * time.Millisecond
	}
	if dur > 2*time.Second {
		dur = 2 * time.Second
	}

	frames := int(float64(sampleRate) * dur.Seconds())
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		sample := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(sample))
		}
	}
	return out
}
