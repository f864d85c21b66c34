package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/agent"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/config"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/infra/storage"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/llm"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/tts"
)

// app holds what every command builds from the loaded configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	roster  *meeting.Roster
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "wavepitch",
		Short:         "Turn-taking meetings between you and AI participants",
		Long:          "Run a meeting where one human and several AI participants take the floor in turn, by text or by voice.\nConfiguration comes from .env, the environment and an optional YAML file named by WAVEPITCH_CONFIG.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newMeetingCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	roster, err := cfg.Roster()
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	a.cfg = cfg
	a.roster = roster
	a.logger = cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(a.logger)
	a.metrics = metrics.NewMetrics()
	return nil
}

func (a *app) generator() *llm.Streamer {
	g := a.cfg.Generation
	backend := llm.NewOpenAIBackend(g.BaseURL, g.APIKey, g.Model, nil)
	return llm.NewStreamer(backend, llm.Options{
		TurnTimeout: g.TurnTimeout,
		Temperature: g.Temperature,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
}

// speech returns nil when speech output is not configured.
func (a *app) speech() agent.TTS {
	return newSpeech(a.cfg.TTS, a.logger)
}

func newSpeech(cfg config.TTSConfig, logger *slog.Logger) agent.TTS {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Provider == config.TTSDeepgram {
		client := tts.NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel)
		client.Logger = logger
		return client
	}
	client := tts.NewElevenLabsClient(cfg.APIKey, cfg.VoiceID)
	client.Logger = logger
	return client
}

// tokens returns nil when voice input is not configured.
func (a *app) tokens() transcript.TokenSource {
	t := a.cfg.Transcription
	if t.APIKey == "" {
		return nil
	}
	if t.KeyEndpoint == "" {
		return transcript.StaticToken(t.APIKey)
	}
	return transcript.NewTempKeyClient(t.KeyEndpoint, t.APIKey)
}

// archive returns nil when transcript archiving is not configured.
func (a *app) archive() storage.Uploader {
	s := a.cfg.Storage
	if !s.Enabled() {
		return nil
	}
	return storage.NewSupabaseStorage(s.SupabaseURL, s.ServiceRoleKey, s.Bucket)
}
