package voice

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Config holds the thresholds for the level monitor.
type Config struct {
	SampleRate int     // 16000 typical; frames are 10ms at this rate
	Threshold  float64 // frame RMS (int16 units) counted as voice
	OnWindow   time.Duration
	OffWindow  time.Duration
	OnRatio    float64 // share of voiced frames in OnWindow that opens the gate
	OffRatio   float64 // share of silent frames in OffWindow that closes it
	FloorDB    float64 // level 0 maps to this dBFS
	Attack     float64 // smoothing when the level rises, 0..1
	Release    float64 // smoothing when the level falls, 0..1
}

// DefaultConfig suits a headset microphone at 16kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		Threshold:  300,
		OnWindow:   150 * time.Millisecond,
		OffWindow:  200 * time.Millisecond,
		OnRatio:    2.0 / 3.0,
		OffRatio:   0.9,
		FloorDB:    -60,
		Attack:     0.5,
		Release:    0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.OnWindow <= 0 {
		c.OnWindow = d.OnWindow
	}
	if c.OffWindow <= 0 {
		c.OffWindow = d.OffWindow
	}
	if c.OnRatio <= 0 {
		c.OnRatio = d.OnRatio
	}
	if c.OffRatio <= 0 {
		c.OffRatio = d.OffRatio
	}
	if c.FloorDB >= 0 {
		c.FloorDB = d.FloorDB
	}
	if c.Attack <= 0 {
		c.Attack = d.Attack
	}
	if c.Release <= 0 {
		c.Release = d.Release
	}
	return c
}

// Monitor derives a smoothed activity level in [0, 1] and a voice gate with
// hysteresis from PCM16LE mono audio.
type Monitor struct {
	cfg      Config
	onChange func(active bool)

	mu        sync.Mutex
	pending   []int16
	level     float64
	active    bool
	votesOn   *voteWindow
	votesOff  *voteWindow
	lastVoice time.Time
}

// NewMonitor returns a monitor. onChange, if set, fires on every gate flip
// outside the monitor lock.
func NewMonitor(cfg Config, onChange func(active bool)) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:      cfg,
		onChange: onChange,
		votesOn:  newVoteWindow(frames(cfg.OnWindow)),
		votesOff: newVoteWindow(frames(cfg.OffWindow)),
	}
}

func frames(d time.Duration) int {
	n := int(d / (10 * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

// Feed accepts PCM16LE of any length and processes whole 10ms frames.
func (m *Monitor) Feed(pcm []byte) {
	var flips []bool
	m.mu.Lock()
	for i := 0; i+1 < len(pcm); i += 2 {
		m.pending = append(m.pending, int16(binary.LittleEndian.Uint16(pcm[i:i+2])))
	}
	per := m.cfg.SampleRate / 100
	off := 0
	for ; off+per <= len(m.pending); off += per {
		if flip, changed := m.onFrameLocked(m.pending[off : off+per]); changed {
			flips = append(flips, flip)
		}
	}
	m.pending = append(m.pending[:0], m.pending[off:]...)
	m.mu.Unlock()

	if m.onChange != nil {
		for _, f := range flips {
			m.onChange(f)
		}
	}
}

func (m *Monitor) onFrameLocked(frame []int16) (bool, bool) {
	rms := frameRMS(frame)
	m.level = smooth(m.level, m.normalize(rms), m.cfg.Attack, m.cfg.Release)

	speech := rms >= m.cfg.Threshold
	if speech {
		m.lastVoice = time.Now()
	}
	m.votesOn.Push(speech)
	m.votesOff.Push(!speech)

	switch {
	case !m.active && m.votesOn.Full() && m.votesOn.Ratio() >= m.cfg.OnRatio:
		m.active = true
		m.votesOff.Reset()
		return true, true
	case m.active && m.votesOff.Full() && m.votesOff.Ratio() >= m.cfg.OffRatio:
		m.active = false
		m.votesOn.Reset()
		return false, true
	}
	return m.active, false
}

func (m *Monitor) normalize(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768)
	v := (db - m.cfg.FloorDB) / -m.cfg.FloorDB
	return math.Max(0, math.Min(1, v))
}

func smooth(prev, x, attack, release float64) float64 {
	if x > prev {
		return prev + attack*(x-prev)
	}
	return prev + release*(x-prev)
}

func frameRMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Level returns the smoothed activity level.
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Active reports whether the voice gate is open.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RecentlyDetectedVoice reports whether a voiced frame was seen within window.
func (m *Monitor) RecentlyDetectedVoice(window time.Duration) bool {
	m.mu.Lock()
	last := m.lastVoice
	m.mu.Unlock()
	return !last.IsZero() && time.Since(last) <= window
}

// Reset clears the gate, level and vote windows.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.pending = m.pending[:0]
	m.level = 0
	m.active = false
	m.votesOn.Reset()
	m.votesOff.Reset()
	m.mu.Unlock()
}

// voteWindow keeps the latest size boolean votes.
type voteWindow struct {
	hist []bool
	size int
}

func newVoteWindow(size int) *voteWindow { return &voteWindow{size: size} }

func (v *voteWindow) Push(b bool) {
	v.hist = append(v.hist, b)
	if len(v.hist) > v.size {
		v.hist = v.hist[len(v.hist)-v.size:]
	}
}

func (v *voteWindow) Full() bool { return len(v.hist) >= v.size }

func (v *voteWindow) Ratio() float64 {
	if len(v.hist) == 0 {
		return 0
	}
	var t int
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	return float64(t) / float64(len(v.hist))
}

func (v *voteWindow) Reset() { v.hist = v.hist[:0] }
