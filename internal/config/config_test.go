package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("WAVEPITCH_CONFIG", "")
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("TAP_WINDOW", "450ms")
	t.Setenv("VOICE_BARGE_IN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.Generation.Model == "" {
		t.Fatalf("expected default model id")
	}
	if len(cfg.Server.ICEServers) != 2 || cfg.Server.ICEServers[1] != "stun:b.example:3478" {
		t.Fatalf("unexpected ice servers %v", cfg.Server.ICEServers)
	}
	if cfg.Turn.TapWindow != 450*time.Millisecond || !cfg.Capture.VoiceBargeIn {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Turn, cfg.Capture)
	}
	if cfg.Transcription.MaxReconnectAttempts != 5 || cfg.Server.RateLimit != 10 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("WAVEPITCH_CONFIG", "")
	t.Setenv("RATE_LIMIT", "ten")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RATE_LIMIT") {
		t.Fatalf("expected RATE_LIMIT error, got %v", err)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wavepitch.yaml")
	doc := `
server:
  address: ":9090"
generation:
  model: llama-3.3-70b
  temperature: 0.2
transcription:
  session_timeout: 2m
turn:
  first_speaker: Ada
participants:
  - id: me
    name: Me
    human: true
  - id: ada
    name: Ada
    role: Skeptical CFO
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAVEPITCH_CONFIG", path)
	t.Setenv("HTTP_ADDRESS", ":7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env should win over file, got %s", cfg.Server.Address)
	}
	if cfg.Generation.Model != "llama-3.3-70b" || cfg.Generation.Temperature != 0.2 {
		t.Fatalf("generation section not read: %+v", cfg.Generation)
	}
	if cfg.Transcription.SessionTimeout != 2*time.Minute || cfg.Transcription.Language != "en" {
		t.Fatalf("transcription section not merged with defaults: %+v", cfg.Transcription)
	}
	roster, err := cfg.Roster()
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if roster.Len() != 2 || roster.Human().ID != "me" {
		t.Fatalf("unexpected roster %+v", roster.Participants())
	}
	if p := roster.At(1); p.DisplayName != "Ada" || p.Role != "Skeptical CFO" {
		t.Fatalf("unexpected participant %+v", p)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Setenv("WAVEPITCH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty address", func(c *Config) { c.Server.Address = "" }, "server config"},
		{"zero rate limit", func(c *Config) { c.Server.RateLimit = 0 }, "rate_limit"},
		{"negative reconnects", func(c *Config) { c.Transcription.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"bad operating point", func(c *Config) { c.Transcription.OperatingPoint = "turbo" }, "operating_point"},
		{"hot temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature"},
		{"odd sample rate", func(c *Config) { c.Capture.SampleRate = 44100 }, "sample_rate"},
		{"tiny chunk", func(c *Config) { c.Capture.ChunkDuration = time.Millisecond }, "chunk_duration"},
		{"no tap window", func(c *Config) { c.Turn.TapWindow = 0 }, "tap_window"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"unknown tts provider", func(c *Config) { c.TTS.Provider = "polly" }, "tts config"},
		{"two humans", func(c *Config) { c.Participants[1].IsHuman = true }, "participants"},
		{"unknown first speaker", func(c *Config) { c.Turn.FirstSpeaker = "nobody" }, "first_speaker"},
		{"archive without bucket", func(c *Config) {
			c.Storage = StorageConfig{SupabaseURL: "https://x.supabase.co", ServiceRoleKey: "k"}
		}, "storage config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_TTSProvider(t *testing.T) {
	t.Setenv("WAVEPITCH_CONFIG", "")
	t.Setenv("TTS_PROVIDER", "deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("DEEPGRAM_MODEL", "aura-2-orion-en")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTS.Provider != TTSDeepgram || cfg.TTS.DeepgramAPIKey != "dg-key" || cfg.TTS.DeepgramModel != "aura-2-orion-en" {
		t.Fatalf("unexpected tts config %+v", cfg.TTS)
	}
	if !cfg.TTS.Enabled() {
		t.Fatalf("deepgram with a key should be enabled")
	}
	if (TTSConfig{Provider: TTSElevenLabs, APIKey: "k"}).Enabled() {
		t.Fatalf("elevenlabs without a voice should be disabled")
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := LoggingConfig{Level: "warn", Format: "json"}
	logger := l.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestMappings(t *testing.T) {
	cfg := Defaults()
	tc := cfg.TranscriptConfig()
	if tc.URL != cfg.Transcription.URL || tc.UtteranceSilence != 700*time.Millisecond || !tc.EnablePartials {
		t.Fatalf("unexpected transcript config %+v", tc)
	}
	cc := cfg.CaptureEngineConfig()
	if cc.SampleRate != 16000 || cc.ChunkDuration != 100*time.Millisecond {
		t.Fatalf("unexpected capture config %+v", cc)
	}
}
