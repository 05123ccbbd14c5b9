package audio

import (
	"context"
	"fmt"

	"github.com/miragelabs/mirage-core/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Device string
	Text   string
	Voice  string
}

// SynthChunk contains PCM data from the synthesizer, at its native rate.
type SynthChunk struct {
	Device     string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the configured engine.
func NewSynthesizer(cfg config.SynthConfig, channels int) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, channels)
	}
	return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
}
