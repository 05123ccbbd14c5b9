package bridge

import (
	"context"
	"sync"

	"github.com/miragelabs/mirage-core/internal/channel"
	"github.com/miragelabs/mirage-core/internal/device"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// Mock is the in-memory transport: frames and mic audio are recorded, speaker
// audio is served from scripted queues, and push failures can be injected.
// It backs the mock bridge config and every test that needs a device.
type Mock struct {
	mu        sync.Mutex
	states    map[string]device.ConnState
	frames    map[string][]protocol.SensorFrame
	mic       map[string][]protocol.AudioChunk
	speaker   map[string][]protocol.AudioChunk
	failPush  int
	platforms map[string]device.Platform
}

func NewMock(deviceIDs ...string) *Mock {
	m := &Mock{
		states:    make(map[string]device.ConnState),
		frames:    make(map[string][]protocol.SensorFrame),
		mic:       make(map[string][]protocol.AudioChunk),
		speaker:   make(map[string][]protocol.AudioChunk),
		platforms: make(map[string]device.Platform),
	}
	for _, id := range deviceIDs {
		m.states[id] = device.Connected
		m.platforms[id] = device.PlatformAndroid
	}
	return m
}

// SetState scripts the connection state a probe will see.
func (m *Mock) SetState(id string, s device.ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = s
}

// FailNextPushes makes the next n sensor pushes fail with ErrUnavailable.
func (m *Mock) FailNextPushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPush = n
}

// QueueSpeakerAudio appends chunks the device will "play" on the next pulls.
func (m *Mock) QueueSpeakerAudio(id string, chunks ...protocol.AudioChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speaker[id] = append(m.speaker[id], chunks...)
}

// Frames returns the sensor frames pushed for a device, oldest first.
func (m *Mock) Frames(id string) []protocol.SensorFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.SensorFrame(nil), m.frames[id]...)
}

// MicChunks returns the audio delivered to the device microphone.
func (m *Mock) MicChunks(id string) []protocol.AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.AudioChunk(nil), m.mic[id]...)
}

func (m *Mock) PushSensorFrame(_ context.Context, id string, frame protocol.SensorFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPush > 0 {
		m.failPush--
		return unavailable(id, "push_sensor_frame", nil)
	}
	if m.states[id] != device.Connected && m.states[id] != device.Degraded {
		return unavailable(id, "push_sensor_frame", nil)
	}
	m.frames[id] = append(m.frames[id], frame)
	return nil
}

func (m *Mock) PushAudioChunk(_ context.Context, id string, chunk protocol.AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return unavailable(id, "push_audio_chunk", nil)
	}
	m.mic[id] = append(m.mic[id], chunk)
	return nil
}

func (m *Mock) PullAudioChunk(_ context.Context, id string) (*protocol.AudioChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return nil, unavailable(id, "pull_audio_chunk", nil)
	}
	queue := m.speaker[id]
	if len(queue) == 0 {
		return nil, nil
	}
	chunk := queue[0]
	m.speaker[id] = queue[1:]
	return &chunk, nil
}

func (m *Mock) ConnectionState(_ context.Context, id string) (device.ConnState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return device.Disconnected, nil
	}
	return s, nil
}

func (m *Mock) Devices(_ context.Context) ([]device.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.Handle
	for id, s := range m.states {
		out = append(out, device.Handle{ID: id, Platform: m.platforms[id], Conn: s})
	}
	return out, nil
}

func (m *Mock) Supports(channel.Channel) bool { return true }
