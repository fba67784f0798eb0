package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lowkeylabs/voicebot/internal/logging"
)

// Sensitivity selects how loud a segment must be before it is worth
// transcribing. Lower threshold = more sensitive = accepts quieter audio.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// RMSThreshold maps a sensitivity tier to a minimum RMS amplitude over
// 16-bit PCM samples.
func (s Sensitivity) RMSThreshold() float64 {
	switch s {
	case SensitivityLow:
		return 400
	case SensitivityHigh:
		return 1200
	default:
		return 800
	}
}

// Config holds the full configuration surface. Effectively immutable once a
// session has been created from it.
type Config struct {
	HTTPAddress string `yaml:"httpAddress"`

	STTProvider  string `yaml:"sttProvider"`  // "whisper" or "deepgram"
	StreamingSTT bool   `yaml:"streamingSTT"` // incremental STT (deepgram only)
	TTSProvider  string `yaml:"ttsProvider"`  // "openai", "elevenlabs" or "deepgram"
	TTSVoice     string `yaml:"ttsVoice"`

	VADSensitivity  Sensitivity `yaml:"vadSensitivity"`
	BargeIn         bool        `yaml:"bargeIn"`
	AllowedSpeakers []string    `yaml:"allowedSpeakers"`

	SilenceThresholdMs int `yaml:"silenceThresholdMs"`
	MinAudioMs         int `yaml:"minAudioMs"`
	MaxRecordingMs     int `yaml:"maxRecordingMs"`
	CooldownMs         int `yaml:"cooldownMs"`

	HeartbeatIntervalMs  int `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs   int `yaml:"heartbeatTimeoutMs"`
	MaxReconnectAttempts int `yaml:"maxReconnectAttempts"`

	AutoJoinChannel string `yaml:"autoJoinChannel"`

	// Agent call settings. Model and ThinkLevel are forwarded verbatim.
	AgentURL       string `yaml:"agentUrl"`
	AgentToken     string `yaml:"agentToken"`
	Model          string `yaml:"model"`
	ThinkLevel     string `yaml:"thinkLevel"`
	AgentName      string `yaml:"agentName"`
	ApologyOnError bool   `yaml:"apologyOnError"`
	ApologyText    string `yaml:"apologyText"`

	ThinkingSoundPath string `yaml:"thinkingSoundPath"`

	DiscordToken string `yaml:"-"`

	OpenAIKey          string `yaml:"-"`
	OpenAIWhisperModel string `yaml:"openaiWhisperModel"`
	OpenAITTSModel     string `yaml:"openaiTtsModel"`
	DeepgramKey        string `yaml:"-"`
	DeepgramModel      string `yaml:"deepgramModel"`
	ElevenLabsKey      string `yaml:"-"`
	ElevenLabsVoiceID  string `yaml:"elevenlabsVoiceId"`
	ElevenLabsModelID  string `yaml:"elevenlabsModelId"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		HTTPAddress:          ":8080",
		STTProvider:          "whisper",
		StreamingSTT:         true,
		TTSProvider:          "openai",
		TTSVoice:             "nova",
		VADSensitivity:       SensitivityMedium,
		BargeIn:              true,
		SilenceThresholdMs:   1000,
		MinAudioMs:           300,
		MaxRecordingMs:       30000,
		CooldownMs:           500,
		HeartbeatIntervalMs:  30000,
		HeartbeatTimeoutMs:   60000,
		MaxReconnectAttempts: 3,
		ThinkLevel:           "off",
		AgentName:            "assistant",
		ApologyOnError:       true,
		ApologyText:          "I'm sorry, I encountered an error processing your request.",
		OpenAIWhisperModel:   "whisper-1",
		OpenAITTSModel:       "tts-1",
		DeepgramModel:        "nova-2",
		ElevenLabsModelID:    "eleven_multilingual_v2",
	}
}

// Load reads the optional YAML file named by VOICEBOT_CONFIG, then applies
// environment variables on top of the defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logging.Debugw("no .env file loaded", "err", err)
	}

	cfg := Default()

	if path := os.Getenv("VOICEBOT_CONFIG"); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			logging.Warnw("config: failed to load config file", "path", path, "err", err)
		}
	}

	applyEnv(&cfg)
	cfg.Normalize()

	logging.Infow("config loaded",
		"http_address", cfg.HTTPAddress,
		"stt_provider", cfg.STTProvider,
		"tts_provider", cfg.TTSProvider,
		"vad_sensitivity", cfg.VADSensitivity,
		"barge_in", cfg.BargeIn)

	if cfg.OpenAIKey == "" && cfg.STTProvider == "whisper" {
		logging.Warnw("OPENAI_API_KEY not set - whisper transcription will not work")
	}
	if cfg.DeepgramKey == "" && (cfg.STTProvider == "deepgram" || cfg.TTSProvider == "deepgram") {
		logging.Warnw("DEEPGRAM_API_KEY not set - deepgram will not work")
	}
	if cfg.ElevenLabsKey == "" && cfg.TTSProvider == "elevenlabs" {
		logging.Warnw("ELEVENLABS_API_KEY not set - TTS will not work")
	}
	return cfg
}

// mergeFile overlays YAML values from path onto cfg.
func mergeFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				logging.Warnw("config: invalid integer", "key", key, "value", v)
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
		}
	}

	setStr(&cfg.HTTPAddress, "HTTP_ADDRESS")
	setStr(&cfg.STTProvider, "STT_PROVIDER")
	setBool(&cfg.StreamingSTT, "STREAMING_STT")
	setStr(&cfg.TTSProvider, "TTS_PROVIDER")
	setStr(&cfg.TTSVoice, "TTS_VOICE")
	if v := os.Getenv("VAD_SENSITIVITY"); v != "" {
		cfg.VADSensitivity = Sensitivity(strings.ToLower(v))
	}
	setBool(&cfg.BargeIn, "BARGE_IN")
	if v := os.Getenv("ALLOWED_SPEAKERS"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		cfg.AllowedSpeakers = ids
	}
	setInt(&cfg.SilenceThresholdMs, "SILENCE_THRESHOLD_MS")
	setInt(&cfg.MinAudioMs, "MIN_AUDIO_MS")
	setInt(&cfg.MaxRecordingMs, "MAX_RECORDING_MS")
	setInt(&cfg.CooldownMs, "COOLDOWN_MS")
	setInt(&cfg.HeartbeatIntervalMs, "HEARTBEAT_INTERVAL_MS")
	setInt(&cfg.HeartbeatTimeoutMs, "HEARTBEAT_TIMEOUT_MS")
	setInt(&cfg.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")
	setStr(&cfg.AutoJoinChannel, "AUTO_JOIN_CHANNEL")
	setStr(&cfg.AgentURL, "AGENT_URL")
	setStr(&cfg.AgentToken, "AGENT_TOKEN")
	setStr(&cfg.Model, "AGENT_MODEL")
	setStr(&cfg.ThinkLevel, "AGENT_THINK_LEVEL")
	setStr(&cfg.AgentName, "AGENT_NAME")
	setBool(&cfg.ApologyOnError, "APOLOGY_ON_ERROR")
	setStr(&cfg.ApologyText, "APOLOGY_TEXT")
	setStr(&cfg.ThinkingSoundPath, "THINKING_SOUND_PATH")
	setStr(&cfg.DiscordToken, "DISCORD_TOKEN")
	setStr(&cfg.OpenAIKey, "OPENAI_API_KEY")
	setStr(&cfg.OpenAIWhisperModel, "OPENAI_WHISPER_MODEL")
	setStr(&cfg.OpenAITTSModel, "OPENAI_TTS_MODEL")
	setStr(&cfg.DeepgramKey, "DEEPGRAM_API_KEY")
	setStr(&cfg.DeepgramModel, "DEEPGRAM_MODEL")
	setStr(&cfg.ElevenLabsKey, "ELEVENLABS_API_KEY")
	setStr(&cfg.ElevenLabsVoiceID, "ELEVENLABS_VOICE_ID")
	setStr(&cfg.ElevenLabsModelID, "ELEVENLABS_MODEL_ID")
}

// Normalize clamps invalid values back to defaults.
func (c *Config) Normalize() {
	switch c.STTProvider {
	case "whisper", "deepgram":
	default:
		c.STTProvider = "whisper"
	}
	switch c.TTSProvider {
	case "openai", "elevenlabs", "deepgram":
	default:
		c.TTSProvider = "openai"
	}
	switch c.VADSensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		c.VADSensitivity = SensitivityMedium
	}
	if c.SilenceThresholdMs <= 0 {
		c.SilenceThresholdMs = 1000
	}
	if c.MinAudioMs < 0 {
		c.MinAudioMs = 0
	}
	if c.MaxRecordingMs <= 0 {
		c.MaxRecordingMs = 30000
	}
	if c.CooldownMs < 0 {
		c.CooldownMs = 0
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = 30000
	}
	if c.HeartbeatTimeoutMs <= 0 {
		c.HeartbeatTimeoutMs = 60000
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
}

// SpeakerAllowed reports whether the allow-list admits the given speaker.
// An empty allow-list admits everyone.
func (c *Config) SpeakerAllowed(id string) bool {
	if len(c.AllowedSpeakers) == 0 {
		return true
	}
	for _, allowed := range c.AllowedSpeakers {
		if allowed == id {
			return true
		}
	}
	return false
}
