package rtc

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
)

type fakePayloads struct {
	packets [][]byte
}

func (f *fakePayloads) ReadPayload() ([]byte, error) {
	if len(f.packets) == 0 {
		return nil, io.EOF
	}
	p := f.packets[0]
	f.packets = f.packets[1:]
	return p, nil
}

// fakeDecoder turns each payload byte into 4 samples of value byte/100;
// a 0xFF payload fails to decode.
type fakeDecoder struct{}

func (fakeDecoder) DecodeFloat32(data []byte, pcm []float32) (int, error) {
	if data[0] == 0xFF {
		return 0, errors.New("corrupt")
	}
	n := 0
	for _, b := range data {
		for i := 0; i < 4; i++ {
			pcm[n] = float32(b) / 100
			n++
		}
	}
	return n, nil
}

func TestTrackSource_DecodesAcrossReads(t *testing.T) {
	src := newTrackSource(&fakePayloads{packets: [][]byte{{50}, {}, {0xFF}, {25, 25}}}, func(int) (floatDecoder, error) { return fakeDecoder{}, nil })
	st, err := src.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs, ok := st.(capture.Float32Stream)
	if !ok {
		t.Fatalf("expected a float32 stream")
	}
	buf := make([]float32, 3)
	var got []float32
	for {
		n, err := fs.ReadFloat32(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("unexpected error %v", err)
			}
			break
		}
	}
	if len(got) != 12 || got[0] != 0.5 || got[4] != 0.25 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestTrackSource_CloseEndsReads(t *testing.T) {
	src := newTrackSource(&fakePayloads{packets: [][]byte{{1}}}, func(int) (floatDecoder, error) { return fakeDecoder{}, nil })
	st, _ := src.Open(context.Background(), 16000)
	_ = st.Close()
	if _, err := st.(capture.Float32Stream).ReadFloat32(make([]float32, 4)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

// blockingPayloads never delivers; a past read deadline releases waiting reads.
type blockingPayloads struct {
	once     sync.Once
	released chan struct{}
}

func (b *blockingPayloads) ReadPayload() ([]byte, error) {
	<-b.released
	return nil, os.ErrDeadlineExceeded
}

func (b *blockingPayloads) SetReadDeadline(d time.Time) error {
	if !d.IsZero() && !d.After(time.Now()) {
		b.once.Do(func() { close(b.released) })
	}
	return nil
}

func TestTrackSource_CloseReleasesBlockedRead(t *testing.T) {
	r := &blockingPayloads{released: make(chan struct{})}
	src := newTrackSource(r, func(int) (floatDecoder, error) { return fakeDecoder{}, nil })
	st, err := src.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := st.(capture.Float32Stream).ReadFloat32(make([]float32, 4))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read still blocked after close")
	}
}

func TestTrackSource_DecoderFailureIsNotSupported(t *testing.T) {
	src := newTrackSource(&fakePayloads{}, func(int) (floatDecoder, error) { return nil, errors.New("no libopus") })
	if _, err := src.Open(context.Background(), 16000); !errors.Is(err, capture.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestTrackSource_FeedsManualCaptureStrategy(t *testing.T) {
	packets := make([][]byte, 0, 400)
	for i := 0; i < 400; i++ {
		packets = append(packets, []byte{50})
	}
	src := newTrackSource(&fakePayloads{packets: packets}, func(int) (floatDecoder, error) { return fakeDecoder{}, nil })
	eng := capture.NewEngine(src, capture.Config{SampleRate: 16000}, nil)
	chunks, err := eng.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()
	if eng.Strategy() != capture.StrategyManual {
		t.Fatalf("expected manual strategy, got %s", eng.Strategy())
	}
	var n int
	for c := range chunks {
		if len(c) != 3200 {
			t.Fatalf("unexpected chunk size %d", len(c))
		}
		n++
	}
	// 1600 samples = one 100ms chunk at 16kHz
	if n != 1 {
		t.Fatalf("expected one chunk, got %d", n)
	}
}
