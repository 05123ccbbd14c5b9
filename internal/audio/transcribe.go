package audio

import (
	"context"
	"fmt"

	"github.com/miragelabs/mirage-core/internal/config"
)

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts speech-to-text backends.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// NewTranscriber builds the configured engine.
func NewTranscriber(cfg config.TranscribeConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	}
	return nil, fmt.Errorf("unknown transcribe mode %q", cfg.Mode)
}
