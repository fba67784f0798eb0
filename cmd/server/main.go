package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lowkeylabs/voicebot/internal/agent"
	"github.com/lowkeylabs/voicebot/internal/config"
	"github.com/lowkeylabs/voicebot/internal/discord"
	"github.com/lowkeylabs/voicebot/internal/httpserver"
	"github.com/lowkeylabs/voicebot/internal/logging"
	"github.com/lowkeylabs/voicebot/internal/stt"
	"github.com/lowkeylabs/voicebot/internal/tts"
	"github.com/lowkeylabs/voicebot/internal/voice"
)

func main() {
	defer logging.Sync()

	cfg := config.Load()

	transport, err := discord.NewTransport(cfg.DiscordToken)
	if err != nil {
		logging.Errorw("transport init failed", "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	deps, err := buildDeps(cfg)
	if err != nil {
		logging.Errorw("provider init failed", "err", err)
		os.Exit(1)
	}

	manager := voice.NewManager(transport, deps, sessionConfig(cfg), voice.SupervisorConfig{
		HeartbeatIntervalMs:  cfg.HeartbeatIntervalMs,
		HeartbeatTimeoutMs:   cfg.HeartbeatTimeoutMs,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	defer manager.Shutdown()

	if cfg.AutoJoinChannel != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := manager.Join(ctx, cfg.AutoJoinChannel); err != nil {
			logging.Warnw("auto join failed", "channel", cfg.AutoJoinChannel, "err", err)
		}
		cancel()
	}

	srv := httpserver.New(manager)
	serverErrors := make(chan error, 1)
	go func() {
		logging.Infow("control server listening", "addr", cfg.HTTPAddress)
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logging.Errorw("server error", "err", err)
		}
	case sig := <-sigChan:
		logging.Infow("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warnw("graceful shutdown failed", "err", err)
	}
}

// buildDeps constructs the providers the configuration names. A missing
// transcriber is fatal; a missing agent or synthesizer only degrades the
// session to transcribe-and-log.
func buildDeps(cfg config.Config) (voice.SessionDeps, error) {
	var deps voice.SessionDeps

	switch cfg.STTProvider {
	case "deepgram":
		dg, err := stt.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
		if err != nil {
			return deps, err
		}
		deps.STT = dg
		if cfg.StreamingSTT {
			live, err := stt.NewLiveManager(cfg.DeepgramKey, cfg.DeepgramModel, voice.CaptureSampleRate)
			if err != nil {
				return deps, err
			}
			deps.Live = live
		}
	default:
		w, err := stt.NewWhisperClient(cfg.OpenAIKey, cfg.OpenAIWhisperModel)
		if err != nil {
			return deps, err
		}
		deps.STT = w
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		el, err := tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsModelID, cfg.ElevenLabsVoiceID)
		if err != nil {
			logging.Warnw("tts unavailable, running degraded", "provider", cfg.TTSProvider, "err", err)
		} else {
			deps.TTS = el
			deps.StreamTTS = el
		}
	case "deepgram":
		dg, err := tts.NewDeepgramClient(cfg.DeepgramKey, cfg.TTSVoice)
		if err != nil {
			logging.Warnw("tts unavailable, running degraded", "provider", cfg.TTSProvider, "err", err)
		} else {
			deps.TTS = dg
			deps.StreamTTS = dg
		}
	default:
		oa, err := tts.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAITTSModel, cfg.TTSVoice)
		if err != nil {
			logging.Warnw("tts unavailable, running degraded", "provider", cfg.TTSProvider, "err", err)
		} else {
			deps.TTS = oa
		}
	}

	if cfg.AgentURL != "" {
		ag, err := agent.NewClient(cfg.AgentURL, cfg.AgentToken, cfg.Model, cfg.AgentName,
			agent.WithThinkLevel(cfg.ThinkLevel))
		if err != nil {
			logging.Warnw("agent unavailable, running degraded", "err", err)
		} else {
			deps.Agent = ag
		}
	} else {
		logging.Warnw("no agent configured, running degraded")
	}

	return deps, nil
}

func sessionConfig(cfg config.Config) voice.SessionConfig {
	return voice.SessionConfig{
		Segmenter: voice.SegmenterConfig{
			SilenceThresholdMs: cfg.SilenceThresholdMs,
			MinAudioMs:         cfg.MinAudioMs,
			MaxRecordingMs:     cfg.MaxRecordingMs,
			RMSThreshold:       cfg.VADSensitivity.RMSThreshold(),
			SampleRate:         voice.CaptureSampleRate,
		},
		CooldownMs:        cfg.CooldownMs,
		BargeIn:           cfg.BargeIn,
		Allowed:           cfg.SpeakerAllowed,
		AgentName:         cfg.AgentName,
		ApologyOnError:    cfg.ApologyOnError,
		ApologyText:       cfg.ApologyText,
		ThinkingSoundPath: cfg.ThinkingSoundPath,
	}
}
