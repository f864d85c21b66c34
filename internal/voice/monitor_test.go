package voice

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

func tone(ms int, amp int16) []byte {
	n := 16 * ms
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestMonitor_GateOpensAndClosesWithHysteresis(t *testing.T) {
	var mu sync.Mutex
	var flips []bool
	m := NewMonitor(Config{}, func(active bool) {
		mu.Lock()
		flips = append(flips, active)
		mu.Unlock()
	})

	m.Feed(tone(100, 3000))
	if m.Active() {
		t.Fatalf("gate must not open before the on window fills")
	}
	m.Feed(tone(100, 3000))
	if !m.Active() {
		t.Fatalf("expected gate open after sustained voice")
	}
	if lvl := m.Level(); lvl < 0.5 {
		t.Fatalf("expected high level, got %.2f", lvl)
	}
	if !m.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("expected recent voice")
	}

	// a short dip keeps the gate open
	m.Feed(tone(50, 0))
	if !m.Active() {
		t.Fatalf("gate closed on a short dip")
	}
	m.Feed(tone(300, 0))
	if m.Active() {
		t.Fatalf("expected gate closed after sustained silence")
	}
	if lvl := m.Level(); lvl > 0.1 {
		t.Fatalf("expected level to decay, got %.2f", lvl)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Fatalf("unexpected gate flips: %v", flips)
	}
}

func TestMonitor_QuietNoiseStaysClosed(t *testing.T) {
	m := NewMonitor(Config{}, nil)
	m.Feed(tone(500, 100))
	if m.Active() {
		t.Fatalf("noise below threshold opened the gate")
	}
	if m.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("noise below threshold counted as voice")
	}
}

func TestMonitor_PartialFramesAccumulate(t *testing.T) {
	m := NewMonitor(Config{}, nil)
	b := tone(200, 3000)
	for i := 0; i < len(b); i += 7 * 2 {
		end := i + 7*2
		if end > len(b) {
			end = len(b)
		}
		m.Feed(b[i:end])
	}
	if !m.Active() {
		t.Fatalf("expected gate open when audio arrives in odd-sized pieces")
	}
	m.Reset()
	if m.Active() || m.Level() != 0 {
		t.Fatalf("expected reset state")
	}
}
