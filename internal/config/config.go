// Package config loads agent configuration from an optional YAML file and the
// environment. Environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Backend       BackendConfig       `yaml:"backend"`
	STT           STTConfig           `yaml:"stt"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	NATS          NATSConfig          `yaml:"nats"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	Environment string `yaml:"environment"`
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// BackendConfig locates the reasoning backend.
type BackendConfig struct {
	// Host is the production backend host; dev always targets localhost:8000.
	Host           string        `yaml:"host"`
	URL            string        `yaml:"url"`
	TokenURL       string        `yaml:"token_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TokenTimeout   time.Duration `yaml:"token_timeout"`
}

// STTConfig configures the recognition engine.
type STTConfig struct {
	Provider          string        `yaml:"provider"`
	LanguageCode      string        `yaml:"language_code"`
	SampleRateHz      int           `yaml:"sample_rate_hz"`
	InterimResults    bool          `yaml:"interim_results"`
	AudioEncoding     string        `yaml:"audio_encoding"`
	EndSilenceTimeout time.Duration `yaml:"end_silence_timeout"`
	EnableDiarization bool          `yaml:"enable_diarization"`
	MinSpeakers       int           `yaml:"min_speakers"`
	MaxSpeakers       int           `yaml:"max_speakers"`
	Model             string        `yaml:"model"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	// MockFramesPerStep paces the scripted engine.
	MockFramesPerStep int `yaml:"mock_frames_per_step"`
}

// AudioConfig selects the capture backend.
type AudioConfig struct {
	// Capturer is "file" or "file-no-display-audio".
	Capturer       string  `yaml:"capturer"`
	DisplayPath    string  `yaml:"display_path"`
	MicrophonePath string  `yaml:"microphone_path"`
	Realtime       bool    `yaml:"realtime"`
	Loop           bool    `yaml:"loop"`
	DisplayGain    float64 `yaml:"display_gain"`
	MicGain        float64 `yaml:"mic_gain"`
}

// SessionConfig configures the session controller.
type SessionConfig struct {
	// TranscriptSource is "local" or "remote".
	TranscriptSource string `yaml:"transcript_source"`
	// AutoStart starts a call as soon as the agent is up.
	AutoStart bool `yaml:"auto_start"`
}

// KafkaConfig configures the transcript mirror.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

// NATSConfig configures the state broadcaster.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:   "svc-call-assist-agent",
			Environment: "prod",
			HTTPPort:    "8090",
			MetricsPort: "9090",
		},
		Backend: BackendConfig{
			Host:           "localhost:8000",
			ReconnectDelay: 3 * time.Second,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			TokenTimeout:   10 * time.Second,
		},
		STT: STTConfig{
			Provider:          "mock",
			LanguageCode:      "en-US",
			SampleRateHz:      16000,
			InterimResults:    true,
			AudioEncoding:     "LINEAR16",
			EndSilenceTimeout: 700 * time.Millisecond,
			EnableDiarization: true,
			MinSpeakers:       2,
			MaxSpeakers:       2,
			StopGrace:         2 * time.Second,
			MockFramesPerStep: 3,
		},
		Audio: AudioConfig{
			Capturer:    "file",
			Realtime:    true,
			Loop:        true,
			DisplayGain: 1,
			MicGain:     1,
		},
		Session: SessionConfig{
			TranscriptSource: "local",
		},
		Kafka: KafkaConfig{
			TopicPartial: "call.transcript.partial",
			TopicFinal:   "call.transcript.final",
		},
		NATS: NATSConfig{
			SubjectPrefix:  "callassist.state",
			ConnectTimeout: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads CONFIG_FILE if set, then applies environment overrides. A file
// that cannot be read is logged and skipped.
func Load() *Config {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring config file")
		} else {
			cfg = fileCfg
		}
	}
	applyEnv(cfg)
	cfg.resolveEndpoints()
	return cfg
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.Environment = envOrDefault("ENV", s.Environment)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.MetricsPort = envOrDefault("METRICS_PORT", s.MetricsPort)

	b := &cfg.Backend
	b.Host = envOrDefault("BACKEND_HOST", b.Host)
	b.URL = envOrDefault("BACKEND_URL", b.URL)
	b.TokenURL = envOrDefault("SPEECH_TOKEN_URL", b.TokenURL)
	b.ReconnectDelay = envOrDefaultDuration("BACKEND_RECONNECT_DELAY", b.ReconnectDelay)
	b.DialTimeout = envOrDefaultDuration("BACKEND_DIAL_TIMEOUT", b.DialTimeout)
	b.WriteTimeout = envOrDefaultDuration("BACKEND_WRITE_TIMEOUT", b.WriteTimeout)
	b.TokenTimeout = envOrDefaultDuration("SPEECH_TOKEN_TIMEOUT", b.TokenTimeout)

	t := &cfg.STT
	t.Provider = envOrDefault("STT_PROVIDER", t.Provider)
	t.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", t.LanguageCode)
	t.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", t.SampleRateHz)
	t.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", t.InterimResults)
	t.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", t.AudioEncoding)
	t.EndSilenceTimeout = envOrDefaultDuration("STT_END_SILENCE_TIMEOUT", t.EndSilenceTimeout)
	t.EnableDiarization = envOrDefaultBool("STT_ENABLE_DIARIZATION", t.EnableDiarization)
	t.MinSpeakers = envOrDefaultInt("STT_MIN_SPEAKERS", t.MinSpeakers)
	t.MaxSpeakers = envOrDefaultInt("STT_MAX_SPEAKERS", t.MaxSpeakers)
	t.Model = envOrDefault("STT_MODEL", t.Model)
	t.StopGrace = envOrDefaultDuration("STT_STOP_GRACE", t.StopGrace)
	t.MockFramesPerStep = envOrDefaultInt("STT_MOCK_FRAMES_PER_STEP", t.MockFramesPerStep)

	a := &cfg.Audio
	a.Capturer = envOrDefault("AUDIO_CAPTURER", a.Capturer)
	a.DisplayPath = envOrDefault("AUDIO_DISPLAY_PATH", a.DisplayPath)
	a.MicrophonePath = envOrDefault("AUDIO_MICROPHONE_PATH", a.MicrophonePath)
	a.Realtime = envOrDefaultBool("AUDIO_REALTIME", a.Realtime)
	a.Loop = envOrDefaultBool("AUDIO_LOOP", a.Loop)
	a.DisplayGain = envOrDefaultFloat("AUDIO_DISPLAY_GAIN", a.DisplayGain)
	a.MicGain = envOrDefaultFloat("AUDIO_MIC_GAIN", a.MicGain)

	cfg.Session.TranscriptSource = envOrDefault("TRANSCRIPT_SOURCE", cfg.Session.TranscriptSource)
	cfg.Session.AutoStart = envOrDefaultBool("SESSION_AUTO_START", cfg.Session.AutoStart)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", k.TopicFinal)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	n := &cfg.NATS
	n.Enabled = envOrDefaultBool("NATS_ENABLED", n.Enabled)
	n.URL = envOrDefault("NATS_URL", n.URL)
	n.SubjectPrefix = envOrDefault("NATS_SUBJECT_PREFIX", n.SubjectPrefix)
	n.ConnectTimeout = envOrDefaultDuration("NATS_CONNECT_TIMEOUT", n.ConnectTimeout)

	o := &cfg.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
}

// resolveEndpoints fills in backend URLs that were not set explicitly.
func (c *Config) resolveEndpoints() {
	host := c.Backend.Host
	if c.IsDev() {
		host = "localhost:8000"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "ws://" + host + "/stream"
	}
	if c.Backend.TokenURL == "" {
		c.Backend.TokenURL = "http://" + host + "/api/speech-token"
	}
}

// IsDev reports whether the agent runs against a local development backend.
func (c *Config) IsDev() bool {
	return c.Service.Environment == "dev"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
