package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/httpserver"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/rtc"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/voice"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and browser meeting endpoint",
		Long:  "Serve /call (WebRTC meetings), /transcribe (server-sent transcription events), /healthz and /metrics.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Address = addr
			}
			return a.serve()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDRESS)")
	return cmd
}

func (a *app) serve() error {
	cfg := a.cfg
	vcfg := voice.DefaultConfig()
	vcfg.SampleRate = cfg.Capture.SampleRate

	calls := rtc.NewHandler(rtc.Deps{
		Roster:        a.roster,
		Generator:     a.generator(),
		TTS:           a.speech(),
		Transcription: cfg.TranscriptConfig(),
		Tokens:        a.tokens(),
		Capture:       cfg.CaptureEngineConfig(),
		Voice:         vcfg,
		VoiceBargeIn:  cfg.Capture.VoiceBargeIn,
		TapWindow:     cfg.Turn.TapWindow,
		FirstSpeaker:  cfg.Turn.FirstSpeaker,
		ICEServers:    cfg.Server.ICEServers,
		Archive:       a.archive(),
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	defer calls.Close()

	srv := httpserver.New(httpserver.Deps{
		Server:        cfg.Server,
		Transcription: cfg.TranscriptConfig(),
		Tokens:        a.tokens(),
		Capture:       cfg.CaptureEngineConfig(),
		Calls:         calls,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", cfg.Server.Address)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigChan:
		a.logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	return nil
}
