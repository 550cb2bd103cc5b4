package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the copilot.
type Config struct {
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Rules         RulesConfig         `yaml:"rules"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`

	// File is the YAML file that was applied, if any.
	File string `yaml:"-"`
}

type TranscriptionConfig struct {
	Provider       string         `yaml:"provider"`
	Deepgram       DeepgramConfig `yaml:"deepgram"`
	Google         GoogleConfig   `yaml:"google"`
	ConnectTimeout time.Duration  `yaml:"connectTimeout"`
	MaxRetries     int            `yaml:"maxRetries"`
	RetryBaseDelay time.Duration  `yaml:"retryBaseDelay"`
	ReconnectDelay time.Duration  `yaml:"reconnectDelay"`
	HealthInterval time.Duration  `yaml:"healthInterval"`
	RestartDelay   time.Duration  `yaml:"restartDelay"`
}

type DeepgramConfig struct {
	APIKey        string        `yaml:"-"`
	APIBaseURL    string        `yaml:"apiBaseURL"`
	Model         string        `yaml:"model"`
	Language      string        `yaml:"language"`
	SmartFormat   bool          `yaml:"smartFormat"`
	Punctuate     bool          `yaml:"punctuate"`
	EndpointingMs int           `yaml:"endpointingMs"`
	VADEvents     bool          `yaml:"vadEvents"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
}

type GoogleConfig struct {
	LanguageCode string `yaml:"languageCode"`
	Model        string `yaml:"model"`
	Punctuation  bool   `yaml:"punctuation"`
	Endpoint     string `yaml:"endpoint"`
}

type DeviceConfig struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sampleRate"`
	Channels   int    `yaml:"channels"`
}

type AudioConfig struct {
	RecorderCommand   string        `yaml:"recorderCommand"`
	DevicesCommand    string        `yaml:"devicesCommand"`
	InputFormat       string        `yaml:"inputFormat"`
	External          DeviceConfig  `yaml:"external"`
	System            DeviceConfig  `yaml:"system"`
	FrameSamples      int           `yaml:"frameSamples"`
	LevelInterval     time.Duration `yaml:"levelInterval"`
	BufferDuration    time.Duration `yaml:"bufferDuration"`
	ActivityThreshold float64       `yaml:"activityThreshold"`
}

type SessionConfig struct {
	DrainInterval  time.Duration `yaml:"drainInterval"`
	StatusInterval time.Duration `yaml:"statusInterval"`
	ConnectStagger time.Duration `yaml:"connectStagger"`
}

type ReconcileConfig struct {
	MinTextLength     int           `yaml:"minTextLength"`
	MinInterval       time.Duration `yaml:"minInterval"`
	MaxRemembered     int           `yaml:"maxRemembered"`
	MaxMessages       int           `yaml:"maxMessages"`
	SpeakerHeuristics bool          `yaml:"speakerHeuristics"`
}

type RulesConfig struct {
	Path           string   `yaml:"path"`
	Substitutions  []string `yaml:"substitutions"`
	IterationLimit int      `yaml:"iterationLimit"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ObservabilityConfig struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transcription: TranscriptionConfig{
			Provider: "deepgram",
			Deepgram: DeepgramConfig{
				APIBaseURL:    "https://api.deepgram.com/v1",
				Model:         "nova-2",
				Language:      "en-US",
				SmartFormat:   true,
				Punctuate:     true,
				EndpointingMs: 300,
				VADEvents:     true,
				KeepAlive:     8 * time.Second,
			},
			Google: GoogleConfig{
				LanguageCode: "en-US",
				Model:        "latest_long",
				Punctuation:  true,
			},
			ConnectTimeout: 15 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			ReconnectDelay: 2 * time.Second,
			HealthInterval: 5 * time.Second,
			RestartDelay:   time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand:   "ffmpeg",
			DevicesCommand:    "pactl",
			InputFormat:       "pulse",
			External:          DeviceConfig{Device: "default", SampleRate: 48000, Channels: 1},
			System:            DeviceConfig{Device: "@DEFAULT_MONITOR@", SampleRate: 48000, Channels: 2},
			FrameSamples:      4096,
			LevelInterval:     100 * time.Millisecond,
			BufferDuration:    500 * time.Millisecond,
			ActivityThreshold: 0.01,
		},
		Session: SessionConfig{
			DrainInterval:  100 * time.Millisecond,
			StatusInterval: time.Second,
			ConnectStagger: 500 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			MinTextLength: 3,
			MinInterval:   time.Second,
			MaxRemembered: 100,
			MaxMessages:   100,
		},
		Rules: RulesConfig{IterationLimit: 30},
		Kafka: KafkaConfig{Topic: "interview-copilot.transcripts"},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Load resolves configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := Default()
	cfg.Rules.Path = filepath.Join(home, ".config", "interview-copilot", "vocabulary.rules")

	path := strings.TrimSpace(os.Getenv("COPILOT_CONFIG_FILE"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, ".config", "interview-copilot", "config.yaml")
	}
	if err := applyFile(&cfg, path, explicit); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	cfg.fillDefaults()
	return cfg, nil
}

func applyFile(cfg *Config, path string, required bool) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	cfg.File = path
	return nil
}

func applyEnv(cfg *Config) {
	t := &cfg.Transcription
	t.Provider = envString("COPILOT_TRANSCRIPTION_PROVIDER", t.Provider)
	t.ConnectTimeout = envMillis("COPILOT_CONNECT_TIMEOUT_MS", t.ConnectTimeout)
	t.MaxRetries = envInt("COPILOT_MAX_RETRIES", t.MaxRetries)
	t.RetryBaseDelay = envMillis("COPILOT_RETRY_BASE_DELAY_MS", t.RetryBaseDelay)
	t.ReconnectDelay = envMillis("COPILOT_RECONNECT_DELAY_MS", t.ReconnectDelay)
	t.HealthInterval = envMillis("COPILOT_HEALTH_INTERVAL_MS", t.HealthInterval)

	dg := &t.Deepgram
	dg.APIKey = strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	dg.APIBaseURL = envString("DEEPGRAM_API_BASE", dg.APIBaseURL)
	dg.Model = envString("DEEPGRAM_MODEL", dg.Model)
	dg.Language = envString("DEEPGRAM_LANGUAGE", dg.Language)
	dg.SmartFormat = envBool("DEEPGRAM_SMART_FORMAT", dg.SmartFormat)
	dg.EndpointingMs = envInt("DEEPGRAM_ENDPOINTING_MS", dg.EndpointingMs)

	g := &t.Google
	g.LanguageCode = envString("COPILOT_GOOGLE_LANGUAGE", g.LanguageCode)
	g.Model = envString("COPILOT_GOOGLE_MODEL", g.Model)
	g.Endpoint = envString("COPILOT_GOOGLE_ENDPOINT", g.Endpoint)

	a := &cfg.Audio
	a.RecorderCommand = envString("COPILOT_FFMPEG_COMMAND", a.RecorderCommand)
	a.DevicesCommand = envString("COPILOT_PACTL_COMMAND", a.DevicesCommand)
	a.InputFormat = envString("COPILOT_AUDIO_INPUT_FORMAT", a.InputFormat)
	a.External.Device = envString("COPILOT_EXTERNAL_DEVICE", a.External.Device)
	a.System.Device = envString("COPILOT_SYSTEM_DEVICE", a.System.Device)
	a.BufferDuration = envMillis("COPILOT_BUFFER_MS", a.BufferDuration)

	s := &cfg.Session
	s.DrainInterval = envMillis("COPILOT_DRAIN_INTERVAL_MS", s.DrainInterval)
	s.StatusInterval = envMillis("COPILOT_STATUS_INTERVAL_MS", s.StatusInterval)

	r := &cfg.Reconcile
	r.MinInterval = envMillis("COPILOT_DEDUP_INTERVAL_MS", r.MinInterval)
	r.SpeakerHeuristics = envBool("COPILOT_SPEAKER_HEURISTICS", r.SpeakerHeuristics)

	cfg.Rules.Path = envString("COPILOT_RULES_FILE", cfg.Rules.Path)

	k := &cfg.Kafka
	k.Enabled = envBool("COPILOT_KAFKA_ENABLED", k.Enabled)
	if brokers := envList("COPILOT_KAFKA_BROKERS"); len(brokers) > 0 {
		k.Brokers = brokers
	}
	k.Topic = envString("COPILOT_KAFKA_TOPIC", k.Topic)

	o := &cfg.Observability
	o.Addr = envString("COPILOT_METRICS_ADDR", o.Addr)
	o.LogLevel = envString("COPILOT_LOG_LEVEL", o.LogLevel)
	o.LogFormat = envString("COPILOT_LOG_FORMAT", o.LogFormat)
}

// fillDefaults replaces values a file or the environment left unusable.
func (c *Config) fillDefaults() {
	d := Default()

	c.Transcription.Provider = strings.ToLower(strings.TrimSpace(c.Transcription.Provider))
	if c.Transcription.Provider != "google" {
		c.Transcription.Provider = d.Transcription.Provider
	}
	positiveDuration(&c.Transcription.ConnectTimeout, d.Transcription.ConnectTimeout)
	positiveDuration(&c.Transcription.RetryBaseDelay, d.Transcription.RetryBaseDelay)
	positiveDuration(&c.Transcription.ReconnectDelay, d.Transcription.ReconnectDelay)
	positiveDuration(&c.Transcription.HealthInterval, d.Transcription.HealthInterval)
	positiveDuration(&c.Transcription.RestartDelay, d.Transcription.RestartDelay)
	positiveDuration(&c.Transcription.Deepgram.KeepAlive, d.Transcription.Deepgram.KeepAlive)
	if c.Transcription.MaxRetries < 0 {
		c.Transcription.MaxRetries = d.Transcription.MaxRetries
	}

	positiveInt(&c.Audio.External.SampleRate, d.Audio.External.SampleRate)
	positiveInt(&c.Audio.External.Channels, d.Audio.External.Channels)
	positiveInt(&c.Audio.System.SampleRate, d.Audio.System.SampleRate)
	positiveInt(&c.Audio.System.Channels, d.Audio.System.Channels)
	positiveInt(&c.Audio.FrameSamples, d.Audio.FrameSamples)
	positiveDuration(&c.Audio.LevelInterval, d.Audio.LevelInterval)
	positiveDuration(&c.Audio.BufferDuration, d.Audio.BufferDuration)
	if c.Audio.ActivityThreshold <= 0 {
		c.Audio.ActivityThreshold = d.Audio.ActivityThreshold
	}

	positiveDuration(&c.Session.DrainInterval, d.Session.DrainInterval)
	positiveDuration(&c.Session.StatusInterval, d.Session.StatusInterval)
	if c.Session.ConnectStagger < 0 {
		c.Session.ConnectStagger = d.Session.ConnectStagger
	}

	positiveInt(&c.Reconcile.MinTextLength, d.Reconcile.MinTextLength)
	positiveDuration(&c.Reconcile.MinInterval, d.Reconcile.MinInterval)
	positiveInt(&c.Reconcile.MaxRemembered, d.Reconcile.MaxRemembered)
	positiveInt(&c.Reconcile.MaxMessages, d.Reconcile.MaxMessages)
	positiveInt(&c.Rules.IterationLimit, d.Rules.IterationLimit)
}

func positiveInt(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

func positiveDuration(v *time.Duration, fallback time.Duration) {
	if *v <= 0 {
		*v = fallback
	}
}

func envString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envMillis(key string, fallback time.Duration) time.Duration {
	ms := envInt(key, -1)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
