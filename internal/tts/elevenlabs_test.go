package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func quietClient(srvURL string) *ElevenLabsClient {
	c := NewElevenLabsClient("key", "voice-1")
	c.BaseURL = srvURL
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return c
}

func drain(t *testing.T, pcm <-chan []byte, errc <-chan error) ([]byte, error) {
	t.Helper()
	var got []byte
	var err error
	timeout := time.After(2 * time.Second)
	for pcm != nil || errc != nil {
		select {
		case b, ok := <-pcm:
			if !ok {
				pcm = nil
				continue
			}
			got = append(got, b...)
		case e, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			err = e
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
	return got, err
}

func TestElevenLabs_StreamsPCM(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_48000" {
			t.Errorf("expected pcm_48000 output")
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		// odd split across flushes
		_, _ = w.Write([]byte{1, 2, 3})
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte{4, 5, 6})
	}))
	defer srv.Close()

	pcm, errc := quietClient(srv.URL).StreamPCM48k(context.Background(), "Hello.")
	got, err := drain(t, pcm, errc)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 bytes, got %v", got)
	}
	if body["text"] != "Hello." || body["model_id"] != DefaultModel {
		t.Fatalf("unexpected request body %v", body)
	}
}

func TestElevenLabs_Failures(t *testing.T) {
	cases := []struct {
		name   string
		client func(string) *ElevenLabsClient
	}{
		{"missing_key", func(u string) *ElevenLabsClient { c := quietClient(u); c.APIKey = ""; return c }},
		{"missing_voice", func(u string) *ElevenLabsClient { c := quietClient(u); c.VoiceID = ""; return c }},
		{"status_non_2xx", quietClient},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pcm, errc := tc.client(srv.URL).StreamPCM48k(context.Background(), "hi")
			if _, err := drain(t, pcm, errc); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
