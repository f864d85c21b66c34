package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultModel   = "eleven_flash_v2_5"
)

// ElevenLabsClient streams 48kHz PCM speech over the ElevenLabs HTTP
// streaming endpoint.
type ElevenLabsClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	VoiceID    string
	Model      string
	Logger     *slog.Logger
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		HTTPClient: &http.Client{Timeout: 0},
		BaseURL:    DefaultBaseURL,
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      DefaultModel,
		Logger:     slog.Default(),
	}
}

// StreamPCM48k streams PCM_48000 audio for text. The pcm channel closes when
// the stream ends; at most one error is delivered.
func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if err := e.httpStream(ctx, text, pcmCh); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) requestURL() (string, error) {
	base := e.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.model())
	q.Set("output_format", "pcm_48000")
	// lower streaming latency target (0..4 where lower is lower latency, may trade quality)
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *ElevenLabsClient) model() string {
	if e.Model == "" {
		return DefaultModel
	}
	return e.Model
}

func (e *ElevenLabsClient) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	endpoint, err := e.requestURL()
	if err != nil {
		return fmt.Errorf("elevenlabs: build url: %w", err)
	}
	body := map[string]any{
		"model_id": e.model(),
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		// use shorter chunks to reduce tail cutoff; server still streams
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	bufChunk := make([]byte, 4096)
	logged := false
	var carry []byte
	for {
		n, rerr := resp.Body.Read(bufChunk)
		if n > 0 {
			if !logged {
				e.logger().Debug("elevenlabs: receiving audio stream", "first_chunk_bytes", n, "voice", e.VoiceID)
				logged = true
			}
			// keep whole 16-bit samples per chunk
			data := append(carry, bufChunk[:n]...)
			even := len(data) &^ 1
			out := make([]byte, even)
			copy(out, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(out) > 0 {
				select {
				case pcmCh <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}
