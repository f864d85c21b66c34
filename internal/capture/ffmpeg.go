package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// FFmpegSource records the default microphone through an ffmpeg child
// process writing raw samples to stdout.
type FFmpegSource struct {
	Binary      string
	InputFormat string
	Device      string
	// SampleFormat is "s16le" (native strategy) or "f32le" (manual strategy).
	SampleFormat string
}

// NewFFmpegSource picks the platform input device.
func NewFFmpegSource() *FFmpegSource {
	s := &FFmpegSource{Binary: "ffmpeg", SampleFormat: "s16le"}
	switch runtime.GOOS {
	case "darwin":
		s.InputFormat, s.Device = "avfoundation", ":default"
	case "windows":
		s.InputFormat, s.Device = "dshow", "audio=default"
	default:
		s.InputFormat, s.Device = "pulse", "default"
	}
	return s
}

// CheckFFmpeg reports whether the ffmpeg binary is on PATH.
func (s *FFmpegSource) CheckFFmpeg() error {
	if _, err := exec.LookPath(s.binary()); err != nil {
		return fmt.Errorf("%w: ffmpeg not found", ErrNotSupported)
	}
	return nil
}

func (s *FFmpegSource) binary() string {
	if s.Binary == "" {
		return "ffmpeg"
	}
	return s.Binary
}

// Open starts ffmpeg and waits for the first samples so that device errors
// surface here rather than on the first read.
func (s *FFmpegSource) Open(ctx context.Context, sampleRate int) (Stream, error) {
	if err := s.CheckFFmpeg(); err != nil {
		return nil, err
	}
	format := s.SampleFormat
	if format == "" {
		format = "s16le"
	}
	codec := "pcm_" + format
	cmd := exec.CommandContext(ctx, s.binary(),
		"-hide_banner",
		"-loglevel", "error",
		"-f", s.InputFormat,
		"-i", s.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", format,
		"-acodec", codec,
		"pipe:1",
	)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrNotSupported, err)
	}

	br := bufio.NewReaderSize(stdout, 64*1024)
	if _, err := br.Peek(2); err != nil {
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyFFmpegError(stderr.String())
	}

	p := &ffmpegProcess{cmd: cmd, r: br}
	if format == "f32le" {
		return &ffmpegFloatStream{ffmpegProcess: p}, nil
	}
	return &ffmpegPCMStream{ffmpegProcess: p}, nil
}

func classifyFFmpegError(stderr string) error {
	msg := strings.TrimSpace(stderr)
	low := strings.ToLower(msg)
	switch {
	case strings.Contains(low, "permission denied"),
		strings.Contains(low, "not authorized"),
		strings.Contains(low, "operation not permitted"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case strings.Contains(low, "unknown input format"),
		strings.Contains(low, "no such file or directory"),
		strings.Contains(low, "connection refused"),
		strings.Contains(low, "input/output error"):
		return fmt.Errorf("%w: %s", ErrNotSupported, msg)
	default:
		return fmt.Errorf("ffmpeg exited before producing audio: %s", msg)
	}
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	r    io.Reader
	once sync.Once
}

func (p *ffmpegProcess) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

type ffmpegPCMStream struct{ *ffmpegProcess }

func (s *ffmpegPCMStream) Read(b []byte) (int, error) { return s.r.Read(b) }

type ffmpegFloatStream struct {
	*ffmpegProcess
	raw []byte
}

func (s *ffmpegFloatStream) ReadFloat32(buf []float32) (int, error) {
	need := len(buf) * 4
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	n, err := io.ReadFull(s.r, raw)
	samples := n / 4
	for i := 0; i < samples; i++ {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return samples, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
