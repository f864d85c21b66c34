package turn

import (
	"sync"
	"time"
)

// DefaultTapWindow separates a single activation from a double one.
const DefaultTapWindow = 300 * time.Millisecond

// Tapper turns raw activations on a participant into either a single or a
// double activation. A second tap on the same target inside the window is a
// double; otherwise the pending tap resolves as a single once the window ends
// or a tap on another target arrives.
type Tapper struct {
	window   time.Duration
	onSingle func(target string)
	onDouble func(target string)

	mu      sync.Mutex
	pending string
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewTapper builds a Tapper. A non-positive window uses DefaultTapWindow.
func NewTapper(window time.Duration, onSingle, onDouble func(target string)) *Tapper {
	if window <= 0 {
		window = DefaultTapWindow
	}
	return &Tapper{window: window, onSingle: onSingle, onDouble: onDouble}
}

// Tap records one activation on target.
func (t *Tapper) Tap(target string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil && t.pending == target {
		t.timer.Stop()
		t.timer = nil
		t.pending = ""
		t.seq++
		t.mu.Unlock()
		t.onDouble(target)
		return
	}
	flush := ""
	if t.timer != nil {
		t.timer.Stop()
		flush = t.pending
	}
	t.seq++
	seq := t.seq
	t.pending = target
	t.timer = time.AfterFunc(t.window, func() { t.expire(seq) })
	t.mu.Unlock()
	if flush != "" {
		t.onSingle(flush)
	}
}

func (t *Tapper) expire(seq uint64) {
	t.mu.Lock()
	if t.stopped || seq != t.seq || t.timer == nil {
		t.mu.Unlock()
		return
	}
	target := t.pending
	t.pending = ""
	t.timer = nil
	t.mu.Unlock()
	t.onSingle(target)
}

// Stop drops any pending activation.
func (t *Tapper) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = ""
	t.mu.Unlock()
}
