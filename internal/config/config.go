package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
)

// Config holds application configuration.
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Transcription TranscriptionConfig   `yaml:"transcription"`
	Generation    GenerationConfig      `yaml:"generation"`
	Capture       CaptureConfig         `yaml:"capture"`
	Turn          TurnConfig            `yaml:"turn"`
	TTS           TTSConfig             `yaml:"tts"`
	Logging       LoggingConfig         `yaml:"logging"`
	Storage       StorageConfig         `yaml:"storage"`
	Participants  []meeting.Participant `yaml:"participants"`
}

type ServerConfig struct {
	Address    string        `yaml:"address"`
	ICEServers []string      `yaml:"ice_servers"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	BodyLimit  string        `yaml:"body_limit"`

	// AuthPassword guards /call and /transcribe when set.
	AuthPassword string `yaml:"auth_password"`
}

type TranscriptionConfig struct {
	URL                  string        `yaml:"url"`
	KeyEndpoint          string        `yaml:"key_endpoint"`
	APIKey               string        `yaml:"api_key"`
	Language             string        `yaml:"language"`
	OperatingPoint       string        `yaml:"operating_point"`
	EnablePartials       bool          `yaml:"enable_partials"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	UtteranceSilence     time.Duration `yaml:"utterance_silence"`
}

type GenerationConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

type CaptureConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
	InputFormat   string        `yaml:"input_format"`
	Device        string        `yaml:"device"`
	VoiceBargeIn  bool          `yaml:"voice_barge_in"`
}

type TurnConfig struct {
	TapWindow    time.Duration `yaml:"tap_window"`
	FirstSpeaker string        `yaml:"first_speaker"`
}

// TTSConfig selects the speech vendor. APIKey and VoiceID are ElevenLabs
// credentials; the Deepgram fields are used when Provider is "deepgram".
type TTSConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	VoiceID        string `yaml:"voice_id"`
	DeepgramAPIKey string `yaml:"deepgram_api_key"`
	DeepgramModel  string `yaml:"deepgram_model"`
}

const (
	TTSElevenLabs = "elevenlabs"
	TTSDeepgram   = "deepgram"
)

// Enabled reports whether replies can be spoken with the selected provider.
func (t TTSConfig) Enabled() bool {
	if t.Provider == TTSDeepgram {
		return t.DeepgramAPIKey != ""
	}
	return t.APIKey != "" && t.VoiceID != ""
}

func (t *TTSConfig) Validate() error {
	if t.Provider != TTSElevenLabs && t.Provider != TTSDeepgram {
		return fmt.Errorf("provider must be %s or %s, got %q", TTSElevenLabs, TTSDeepgram, t.Provider)
	}
	return nil
}

// StorageConfig enables transcript archiving when URL and key are set.
type StorageConfig struct {
	SupabaseURL    string `yaml:"supabase_url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	Bucket         string `yaml:"bucket"`
}

// Enabled reports whether finished meetings should be archived.
func (s StorageConfig) Enabled() bool { return s.SupabaseURL != "" && s.ServiceRoleKey != "" }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Address:    ":8080",
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			RateLimit:  10,
			RateWindow: 60 * time.Second,
			BodyLimit:  "1M",
		},
		Transcription: TranscriptionConfig{
			URL:                  "wss://eu2.rt.speechmatics.com/v2",
			KeyEndpoint:          "https://mp.speechmatics.com/v1/api_keys?type=rt",
			Language:             "en",
			OperatingPoint:       "enhanced",
			EnablePartials:       true,
			MaxReconnectAttempts: 5,
			SessionTimeout:       5 * time.Minute,
			ConnectTimeout:       10 * time.Second,
			UtteranceSilence:     700 * time.Millisecond,
		},
		Generation: GenerationConfig{
			BaseURL:     "https://api.cerebras.ai/v1",
			Model:       "gpt-oss-120b",
			Temperature: 0.7,
			TurnTimeout: 60 * time.Second,
		},
		Capture: CaptureConfig{
			SampleRate:    capture.DefaultSampleRate,
			ChunkDuration: capture.DefaultChunkDuration,
		},
		Turn:    TurnConfig{TapWindow: 300 * time.Millisecond},
		TTS:     TTSConfig{Provider: TTSElevenLabs},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Bucket: "meeting-transcripts"},
		Participants: []meeting.Participant{
			{ID: "you", DisplayName: "You", Role: "Founder pitching the product", IsHuman: true},
			{ID: "maya", DisplayName: "Maya", Role: "Venture investor focused on market size and traction"},
			{ID: "theo", DisplayName: "Theo", Role: "Technical advisor who probes feasibility and risks"},
		},
	}
}

// Load reads .env, applies the optional YAML file named by WAVEPITCH_CONFIG
// over the defaults, then environment overrides, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := Defaults()
	if path := os.Getenv("WAVEPITCH_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.warnMissingKeys()
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Address, "HTTP_ADDRESS")
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		c.Server.ICEServers = splitList(v)
	}
	setString(&c.Server.BodyLimit, "BODY_LIMIT")
	setString(&c.Server.AuthPassword, "AUTH_PASSWORD")

	setString(&c.Transcription.URL, "TRANSCRIPTION_URL")
	setString(&c.Transcription.KeyEndpoint, "TRANSCRIPTION_KEY_ENDPOINT")
	setString(&c.Transcription.APIKey, "TRANSCRIPTION_API_KEY")
	setString(&c.Transcription.Language, "TRANSCRIPTION_LANGUAGE")
	setString(&c.Transcription.OperatingPoint, "TRANSCRIPTION_OPERATING_POINT")

	setString(&c.Generation.BaseURL, "LLM_BASE_URL")
	setString(&c.Generation.APIKey, "CEREBRAS_API_KEY")
	setString(&c.Generation.Model, "CEREBRAS_MODEL_ID")

	setString(&c.Capture.InputFormat, "CAPTURE_INPUT_FORMAT")
	setString(&c.Capture.Device, "CAPTURE_DEVICE")
	setString(&c.Turn.FirstSpeaker, "FIRST_SPEAKER")

	setString(&c.TTS.Provider, "TTS_PROVIDER")
	setString(&c.TTS.APIKey, "ELEVENLABS_API_KEY")
	setString(&c.TTS.VoiceID, "ELEVENLABS_VOICE_ID")
	setString(&c.TTS.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&c.TTS.DeepgramModel, "DEEPGRAM_MODEL")

	setString(&c.Storage.SupabaseURL, "SUPABASE_URL")
	setString(&c.Storage.ServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")
	setString(&c.Storage.Bucket, "SUPABASE_BUCKET")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	parsers := []struct {
		key   string
		apply func(string) error
	}{
		{"RATE_LIMIT", intVar(&c.Server.RateLimit)},
		{"RATE_WINDOW", durationVar(&c.Server.RateWindow)},
		{"TRANSCRIPTION_PARTIALS", boolVar(&c.Transcription.EnablePartials)},
		{"TRANSCRIPTION_MAX_RECONNECTS", intVar(&c.Transcription.MaxReconnectAttempts)},
		{"TRANSCRIPTION_SESSION_TIMEOUT", durationVar(&c.Transcription.SessionTimeout)},
		{"TRANSCRIPTION_CONNECT_TIMEOUT", durationVar(&c.Transcription.ConnectTimeout)},
		{"UTTERANCE_SILENCE", durationVar(&c.Transcription.UtteranceSilence)},
		{"LLM_TEMPERATURE", floatVar(&c.Generation.Temperature)},
		{"LLM_TURN_TIMEOUT", durationVar(&c.Generation.TurnTimeout)},
		{"CAPTURE_SAMPLE_RATE", intVar(&c.Capture.SampleRate)},
		{"CAPTURE_CHUNK", durationVar(&c.Capture.ChunkDuration)},
		{"VOICE_BARGE_IN", boolVar(&c.Capture.VoiceBargeIn)},
		{"TAP_WINDOW", durationVar(&c.Turn.TapWindow)},
	}
	for _, p := range parsers {
		v := os.Getenv(p.key)
		if v == "" {
			continue
		}
		if err := p.apply(v); err != nil {
			return fmt.Errorf("config: %s=%q: %w", p.key, v, err)
		}
	}
	return nil
}

func (c *Config) warnMissingKeys() {
	if c.Transcription.APIKey == "" {
		slog.Warn("TRANSCRIPTION_API_KEY not set - voice input will not work")
	}
	if c.Generation.APIKey == "" {
		slog.Warn("CEREBRAS_API_KEY not set - agents will only reply with the fallback message")
	}
	if c.TTS.Provider == TTSDeepgram {
		if c.TTS.DeepgramAPIKey == "" {
			slog.Warn("DEEPGRAM_API_KEY not set - replies will not be spoken")
		}
	} else if c.TTS.APIKey == "" {
		slog.Warn("ELEVENLABS_API_KEY not set - replies will not be spoken")
	} else if c.TTS.VoiceID == "" {
		slog.Warn("ELEVENLABS_VOICE_ID not set - set a concrete voice ID from your ElevenLabs dashboard")
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Turn.Validate(); err != nil {
		return fmt.Errorf("turn config: %w", err)
	}
	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if c.Storage.Enabled() && c.Storage.Bucket == "" {
		return fmt.Errorf("storage config: bucket cannot be empty")
	}
	roster, err := c.Roster()
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	if c.Turn.FirstSpeaker != "" {
		if _, ok := roster.Lookup(c.Turn.FirstSpeaker); !ok {
			return fmt.Errorf("turn config: first_speaker %q is not a participant", c.Turn.FirstSpeaker)
		}
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if s.RateLimit < 1 {
		return fmt.Errorf("rate_limit must be at least 1, got %d", s.RateLimit)
	}
	if s.RateWindow <= 0 {
		return fmt.Errorf("rate_window must be positive, got %s", s.RateWindow)
	}
	if s.BodyLimit == "" {
		return fmt.Errorf("body_limit cannot be empty")
	}
	return nil
}

func (t *TranscriptionConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if t.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}
	if t.OperatingPoint != "standard" && t.OperatingPoint != "enhanced" {
		return fmt.Errorf("operating_point must be standard or enhanced, got %q", t.OperatingPoint)
	}
	if t.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts cannot be negative, got %d", t.MaxReconnectAttempts)
	}
	if t.SessionTimeout <= 0 || t.ConnectTimeout <= 0 || t.UtteranceSilence <= 0 {
		return fmt.Errorf("session_timeout, connect_timeout and utterance_silence must be positive")
	}
	return nil
}

func (g *GenerationConfig) Validate() error {
	if g.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", g.Temperature)
	}
	if g.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be positive, got %s", g.TurnTimeout)
	}
	return nil
}

func (c *CaptureConfig) Validate() error {
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of 8000, 12000, 16000, 24000, 48000, got %d", c.SampleRate)
	}
	if c.ChunkDuration < 10*time.Millisecond {
		return fmt.Errorf("chunk_duration must be at least 10ms, got %s", c.ChunkDuration)
	}
	return nil
}

func (t *TurnConfig) Validate() error {
	if t.TapWindow <= 0 {
		return fmt.Errorf("tap_window must be positive, got %s", t.TapWindow)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

func (l *LoggingConfig) level() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("level must be debug, info, warn or error, got %q", l.Level)
}

// NewLogger builds the process logger described by l.
func (l *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := l.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Roster builds the meeting roster from the configured participants.
func (c *Config) Roster() (*meeting.Roster, error) {
	return meeting.NewRoster(c.Participants)
}

// TranscriptConfig maps the transcription section onto a session config.
func (c *Config) TranscriptConfig() transcript.Config {
	t := c.Transcription
	return transcript.Config{
		URL:                  t.URL,
		Language:             t.Language,
		OperatingPoint:       t.OperatingPoint,
		EnablePartials:       t.EnablePartials,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		SessionTimeout:       t.SessionTimeout,
		ConnectTimeout:       t.ConnectTimeout,
		UtteranceSilence:     t.UtteranceSilence,
	}
}

// CaptureEngineConfig maps the capture section onto an engine config.
func (c *Config) CaptureEngineConfig() capture.Config {
	return capture.Config{SampleRate: c.Capture.SampleRate, ChunkDuration: c.Capture.ChunkDuration}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intVar(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
		return err
	}
}

func floatVar(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
		return err
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	}
}
