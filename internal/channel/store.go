package channel

import (
	"fmt"
	"sync"
	"time"
)

// Guard authorizes a write token for one device channel. The session arbiter
// implements this; writes with an unheld or stale token are rejected before
// they touch a cell.
type Guard interface {
	Authorize(token, device string, ch Channel) error
}

// Snapshot is one committed reading: immutable once returned, safe to hold
// across scheduler ticks.
type Snapshot struct {
	Device  string
	Channel Channel
	Value   Value
	Version uint64
	At      time.Time
}

// cell is the versioned slot behind one (device, channel) pair. Each cell has
// its own lock so independent channels never serialize on each other.
type cell struct {
	mu          sync.RWMutex
	value       Value
	version     uint64
	at          time.Time
	interp      Interpolator
	interpToken string
	interpStart time.Time
}

type cellKey struct {
	device string
	ch     Channel
}

// Store is the authoritative simulated hardware state: an arena of versioned
// cells keyed by (device, channel). Reads never block behind writers; a
// snapshot sees either the old or the new value, never a partial write.
type Store struct {
	mu    sync.RWMutex
	cells map[cellKey]*cell
	guard Guard
	clock func() time.Time
}

func NewStore(guard Guard) *Store {
	return &Store{
		cells: make(map[cellKey]*cell),
		guard: guard,
		clock: time.Now,
	}
}

// Register seeds every channel of a freshly connected device with its default
// reading at version zero.
func (s *Store) Register(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for _, ch := range All() {
		key := cellKey{device: device, ch: ch}
		if _, ok := s.cells[key]; ok {
			continue
		}
		s.cells[key] = &cell{value: DefaultValue(ch), at: now}
	}
}

// Drop removes all cells for a disconnected device.
func (s *Store) Drop(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range All() {
		delete(s.cells, cellKey{device: device, ch: ch})
	}
}

func (s *Store) lookup(device string, ch Channel) (*cell, error) {
	s.mu.RLock()
	c, ok := s.cells[cellKey{device: device, ch: ch}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no state for %s/%s: device not registered", device, ch)
	}
	return c, nil
}

// Set validates and commits a new value, bumping the cell version. Any active
// interpolation on the cell is superseded.
func (s *Store) Set(token, device string, ch Channel, v Value) (Snapshot, error) {
	if verr := Validate(ch, v); verr != nil {
		verr.Device = device
		return Snapshot{}, verr
	}
	if err := s.guard.Authorize(token, device, ch); err != nil {
		return Snapshot{}, fmt.Errorf("set %s/%s: %w", device, ch, err)
	}
	c, err := s.lookup(device, ch)
	if err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.version++
	c.at = s.clock()
	c.interp = nil
	c.interpToken = ""
	return s.snapshotLocked(device, ch, c), nil
}

// Interpolate installs a transition from the cell's current value toward
// target. Scheduler ticks consume it via Advance until it completes or a Set
// supersedes it.
func (s *Store) Interpolate(token, device string, ch Channel, target Value, dur time.Duration) error {
	if verr := Validate(ch, target); verr != nil {
		verr.Device = device
		return verr
	}
	if err := s.guard.Authorize(token, device, ch); err != nil {
		return fmt.Errorf("interpolate %s/%s: %w", device, ch, err)
	}
	c, err := s.lookup(device, ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	interp, err := NewLinear(c.value, target, dur)
	if err != nil {
		return fmt.Errorf("interpolate %s/%s: %w", device, ch, err)
	}
	c.interp = interp
	c.interpToken = token
	c.interpStart = s.clock()
	return nil
}

// InstallWave places a prebuilt interpolator (gesture waveform) on the cell.
// The same authorization rules as Interpolate apply.
func (s *Store) InstallWave(token, device string, ch Channel, interp Interpolator) error {
	if err := s.guard.Authorize(token, device, ch); err != nil {
		return fmt.Errorf("install wave %s/%s: %w", device, ch, err)
	}
	c, err := s.lookup(device, ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interp = interp
	c.interpToken = token
	c.interpStart = s.clock()
	return nil
}

// Snapshot returns the latest committed reading without advancing any
// transition.
func (s *Store) Snapshot(device string, ch Channel) (Snapshot, error) {
	c, err := s.lookup(device, ch)
	if err != nil {
		return Snapshot{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return s.snapshotLocked(device, ch, c), nil
}

// Advance is the scheduler's per-tick read: if a transition is active it
// commits the transition's current value as a new version, clearing it once
// the target is reached.
func (s *Store) Advance(device string, ch Channel) (Snapshot, error) {
	c, err := s.lookup(device, ch)
	if err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interp != nil {
		now := s.clock()
		v, done := c.interp.At(now.Sub(c.interpStart))
		c.value = v
		c.version++
		c.at = now
		if done {
			c.interp = nil
			c.interpToken = ""
		}
	}
	return s.snapshotLocked(device, ch, c), nil
}

// CancelToken clears any transition installed under token. Called when the
// owning session releases or is preempted; the cell freezes at its last
// committed value.
func (s *Store) CancelToken(token string) {
	s.mu.RLock()
	cells := make([]*cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	s.mu.RUnlock()
	for _, c := range cells {
		c.mu.Lock()
		if c.interpToken == token {
			c.interp = nil
			c.interpToken = ""
		}
		c.mu.Unlock()
	}
}

// Transitioning reports whether the cell has an active interpolation.
func (s *Store) Transitioning(device string, ch Channel) bool {
	c, err := s.lookup(device, ch)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interp != nil
}

func (s *Store) snapshotLocked(device string, ch Channel, c *cell) Snapshot {
	return Snapshot{
		Device:  device,
		Channel: ch,
		Value:   c.value,
		Version: c.version,
		At:      c.at,
	}
}
