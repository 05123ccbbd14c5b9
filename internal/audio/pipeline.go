package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miragelabs/mirage-core/internal/bridge"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// ReplyFunc produces the agent's reply to a heard transcript. done ends the
// conversation after the reply is spoken.
type ReplyFunc func(ctx context.Context, heard string) (reply string, done bool, err error)

// Exchange is one heard/replied round of a conversation.
type Exchange struct {
	Heard   string
	Replied string
}

// Pipeline owns both audio directions per device and the turn state that
// keeps them alternating. Synthesis lands on the device microphone in chunks
// no longer than the configured duration; capture buffers speaker output
// until a silence gap or the hard maximum, then transcribes.
type Pipeline struct {
	cfg   config.AudioConfig
	br    bridge.Bridge
	synth Synthesizer
	trans Transcriber
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	turns        map[string]*Turn
	onTranscript []func(protocol.Transcript)
	onTurn       []func(protocol.TurnEvent)
}

func NewPipeline(parent context.Context, cfg config.AudioConfig, br bridge.Bridge, synth Synthesizer, trans Transcriber, logger *slog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(parent)
	return &Pipeline{
		cfg:    cfg,
		br:     br,
		synth:  synth,
		trans:  trans,
		log:    logger.With(slog.String("component", "audio-pipeline")),
		ctx:    ctx,
		cancel: cancel,
		turns:  make(map[string]*Turn),
	}
}

func (p *Pipeline) Close() {
	p.cancel()
}

func (p *Pipeline) OnTranscript(fn func(protocol.Transcript)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTranscript = append(p.onTranscript, fn)
}

func (p *Pipeline) OnTurn(fn func(protocol.TurnEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTurn = append(p.onTurn, fn)
}

func (p *Pipeline) turn(device string) *Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.turns[device]
	if !ok {
		t = NewTurn(device, p.cfg.AllowBargeIn, p.log)
		p.turns[device] = t
	}
	return t
}

// TurnState reports the current turn for a device.
func (p *Pipeline) TurnState(device string) TurnState {
	return p.turn(device).State()
}

// DropDevice forgets turn state, for disconnects.
func (p *Pipeline) DropDevice(device string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.turns, device)
}

// Speak synthesizes text and delivers it to the device microphone as one
// atomic utterance. Conversational mode hands the floor to the device
// afterwards; one-shot returns to idle.
func (p *Pipeline) Speak(ctx context.Context, device, text, voice string, conversational bool) error {
	if voice == "" {
		voice = p.cfg.Synth.Voice
	}
	t := p.turn(device)
	from, err := t.BeginSpeak()
	if err != nil {
		return err
	}
	p.emitTurn(device, from, TurnAgentSpeaking)

	pcm, rate, channels, err := p.collect(ctx, SynthRequest{Device: device, Text: text, Voice: voice})
	if err != nil {
		p.abortTurn(t, device, TurnAgentSpeaking)
		return fmt.Errorf("synthesize for %s: %w", device, err)
	}
	if err := p.deliver(ctx, device, pcm, rate, channels); err != nil {
		p.abortTurn(t, device, TurnAgentSpeaking)
		return err
	}

	next := t.EndSpeak(conversational)
	p.emitTurn(device, TurnAgentSpeaking, next)
	return nil
}

// SpeakFile injects a 16-bit WAV file as an utterance.
func (p *Pipeline) SpeakFile(ctx context.Context, device, path string, conversational bool) error {
	pcm, rate, channels, err := readWAVFile(path)
	if err != nil {
		return err
	}
	t := p.turn(device)
	from, err := t.BeginSpeak()
	if err != nil {
		return err
	}
	p.emitTurn(device, from, TurnAgentSpeaking)

	if err := p.deliver(ctx, device, pcm, rate, channels); err != nil {
		p.abortTurn(t, device, TurnAgentSpeaking)
		return err
	}

	next := t.EndSpeak(conversational)
	p.emitTurn(device, TurnAgentSpeaking, next)
	return nil
}

// collect drains the synthesizer into one utterance buffer.
func (p *Pipeline) collect(ctx context.Context, req SynthRequest) ([]byte, int, int, error) {
	chunks, errs := p.synth.Synthesize(ctx, req)
	var (
		pcm      []byte
		rate     = p.cfg.Synth.SampleRate
		channels = p.cfg.Channels
		firstErr error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				rate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil && firstErr == nil {
				firstErr = err
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
	if firstErr != nil {
		return nil, 0, 0, firstErr
	}
	return pcm, rate, channels, nil
}

// deliver re-chunks one utterance at the device rate and pushes it whole.
func (p *Pipeline) deliver(ctx context.Context, device string, pcm []byte, rate, channels int) error {
	converted, err := convertChannels(pcm, channels, p.cfg.Channels)
	if err != nil {
		return err
	}
	converted = resamplePCM(converted, rate, p.cfg.SampleRate, p.cfg.Channels)
	if len(converted) == 0 {
		return fmt.Errorf("empty utterance for %s", device)
	}

	step := p.cfg.SampleRate * p.cfg.Channels * 2 * p.cfg.ChunkDurationMS / 1000
	if step <= 0 {
		step = len(converted)
	}
	utterance := uuid.NewString()
	sequence := 0
	for offset := 0; offset < len(converted); offset += step {
		end := offset + step
		if end > len(converted) {
			end = len(converted)
		}
		chunk := protocol.AudioChunk{
			Device:     device,
			Utterance:  utterance,
			Sequence:   sequence,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
			PCM:        converted[offset:end],
			Final:      end == len(converted),
		}
		if err := p.br.PushAudioChunk(ctx, device, chunk); err != nil {
			return fmt.Errorf("deliver utterance %s chunk %d: %w", utterance, sequence, err)
		}
		sequence++
	}
	return nil
}

// Listen captures device speaker output until a silence gap or the hard
// maximum, transcribes it, and reports the transcript.
func (p *Pipeline) Listen(ctx context.Context, device string, conversational bool) (TranscriptResult, error) {
	t := p.turn(device)
	from, err := t.BeginListen()
	if err != nil {
		return TranscriptResult{}, err
	}
	if from != TurnDeviceListening {
		p.emitTurn(device, from, TurnDeviceListening)
	}

	buf, err := p.capture(ctx, device, t)
	if err != nil {
		p.abortTurn(t, device, t.State())
		return TranscriptResult{}, err
	}

	result, err := p.trans.Transcribe(ctx, buf, p.cfg.SampleRate, p.cfg.Channels)
	if err != nil {
		p.abortTurn(t, device, t.State())
		return TranscriptResult{}, fmt.Errorf("transcribe for %s: %w", device, err)
	}

	settled := t.State()
	next := t.EndListen(conversational)
	p.emitTurn(device, settled, next)
	p.emitTranscript(protocol.Transcript{
		Device:     device,
		Text:       result.Text,
		Confidence: result.Confidence,
		Final:      true,
		At:         time.Now().UTC(),
	})
	return result, nil
}

func (p *Pipeline) capture(ctx context.Context, device string, t *Turn) ([]byte, error) {
	poll := time.Duration(p.cfg.ChunkDurationMS) * time.Millisecond
	gap := time.Duration(p.cfg.SilenceGapMS) * time.Millisecond
	bytesPerSec := p.cfg.SampleRate * p.cfg.Channels * 2
	maxBytes := bytesPerSec * p.cfg.MaxCaptureMS / 1000

	var (
		buf    []byte
		silent time.Duration
		voiced bool
	)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		case <-ticker.C:
		}

		chunk, err := p.br.PullAudioChunk(ctx, device)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			if voiced {
				silent += poll
				if silent >= gap {
					return buf, nil
				}
			}
			continue
		}

		pcm := chunk.PCM
		if chunk.SampleRate > 0 && chunk.SampleRate != p.cfg.SampleRate {
			pcm = resamplePCM(pcm, chunk.SampleRate, p.cfg.SampleRate, p.cfg.Channels)
		}
		buf = append(buf, pcm...)

		if rmsInt16(pcm) >= float64(p.cfg.SilenceThreshold) {
			if t.MarkVoiced() {
				p.emitTurn(device, TurnDeviceListening, TurnDeviceSpeaking)
			}
			voiced = true
			silent = 0
		} else if voiced {
			silent += time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSec)
			if silent >= gap {
				return buf, nil
			}
		}

		if len(buf) >= maxBytes {
			p.log.Debug("capture hit max buffer, flushing",
				slog.String("device", device),
				slog.Int("bytes", len(buf)))
			return buf, nil
		}
	}
}

// Converse runs speak/listen rounds until the reply function is done.
func (p *Pipeline) Converse(ctx context.Context, device, opening string, reply ReplyFunc) ([]Exchange, error) {
	if opening != "" {
		if err := p.Speak(ctx, device, opening, "", true); err != nil {
			return nil, err
		}
	}
	var exchanges []Exchange
	for {
		heard, err := p.Listen(ctx, device, true)
		if err != nil {
			return exchanges, err
		}
		response, done, err := reply(ctx, heard.Text)
		if err != nil {
			p.abortTurn(p.turn(device), device, p.TurnState(device))
			return exchanges, err
		}
		exchanges = append(exchanges, Exchange{Heard: heard.Text, Replied: response})
		if response != "" {
			if err := p.Speak(ctx, device, response, "", !done); err != nil {
				return exchanges, err
			}
		} else if done {
			t := p.turn(device)
			from := t.State()
			t.Reset()
			p.emitTurn(device, from, TurnIdle)
		}
		if done {
			return exchanges, nil
		}
	}
}

func (p *Pipeline) abortTurn(t *Turn, device string, from TurnState) {
	t.Reset()
	p.emitTurn(device, from, TurnIdle)
}

func (p *Pipeline) emitTurn(device string, from, to TurnState) {
	ev := protocol.TurnEvent{Device: device, From: from.String(), To: to.String(), At: time.Now().UTC()}
	p.mu.Lock()
	watchers := append([]func(protocol.TurnEvent)(nil), p.onTurn...)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(ev)
	}
}

func (p *Pipeline) emitTranscript(tr protocol.Transcript) {
	p.mu.Lock()
	watchers := append([]func(protocol.Transcript)(nil), p.onTranscript...)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(tr)
	}
}
