package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FakeBehavior tunes a simulated provider: latency jitter bounds and an
// injected failure rate in [0,1].
type FakeBehavior struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

// Config contains all runtime settings for the session bridge.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	HeartbeatInterval    time.Duration
	MaxMessageBytes      int64
	BackpressureLimit    int64
	MaxConnections       int
	MaxSessionAudioBytes int64
	PartialInterval      time.Duration

	AllowedOrigins []string
	AuthToken      string

	RailsBaseURL string
	RailsTimeout time.Duration

	CompletionTimeout       time.Duration
	SynthesisTimeout        time.Duration
	TranscribeStreamTimeout time.Duration

	FakeSTT FakeBehavior
	FakeLLM FakeBehavior
	FakeTTS FakeBehavior
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		ShutdownTimeout:  5 * time.Second,

		HeartbeatInterval:    15 * time.Second,
		MaxMessageBytes:      1_000_000,
		BackpressureLimit:    5_000_000,
		MaxConnections:       64,
		MaxSessionAudioBytes: 10_000_000,
		PartialInterval:      500 * time.Millisecond,

		AuthToken: trimmedEnv("APP_AUTH_TOKEN"),

		RailsBaseURL: trimmedEnv("RAILS_BASE_URL"),
		RailsTimeout: 5 * time.Second,

		CompletionTimeout:       7 * time.Second,
		SynthesisTimeout:        5 * time.Second,
		TranscribeStreamTimeout: 30 * time.Second,
	}

	if raw := trimmedEnv("APP_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PartialInterval, err = durationFromEnv("STT_PARTIAL_INTERVAL", cfg.PartialInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RailsTimeout, err = durationFromEnv("RAILS_TIMEOUT", cfg.RailsTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeStreamTimeout, err = durationFromEnv("STT_STREAM_TIMEOUT", cfg.TranscribeStreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes, err = int64FromEnv("MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.BackpressureLimit, err = int64FromEnv("BACKPRESSURE_LIMIT_BYTES", cfg.BackpressureLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionAudioBytes, err = int64FromEnv("MAX_SESSION_AUDIO_BYTES", cfg.MaxSessionAudioBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConnections, err = intFromEnv("MAX_CONNECTIONS", cfg.MaxConnections)
	if err != nil {
		return Config{}, err
	}

	cfg.FakeSTT, err = behaviorFromEnv("FAKE_STT")
	if err != nil {
		return Config{}, err
	}
	cfg.FakeLLM, err = behaviorFromEnv("FAKE_LLM")
	if err != nil {
		return Config{}, err
	}
	cfg.FakeTTS, err = behaviorFromEnv("FAKE_TTS")
	if err != nil {
		return Config{}, err
	}

	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.BackpressureLimit <= 0 {
		return Config{}, fmt.Errorf("BACKPRESSURE_LIMIT_BYTES must be positive")
	}
	if cfg.MaxSessionAudioBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_SESSION_AUDIO_BYTES must be positive")
	}
	if cfg.PartialInterval <= 0 {
		return Config{}, fmt.Errorf("STT_PARTIAL_INTERVAL must be positive")
	}

	return cfg, nil
}

func behaviorFromEnv(prefix string) (FakeBehavior, error) {
	b := FakeBehavior{
		MinLatency: 50 * time.Millisecond,
		MaxLatency: 150 * time.Millisecond,
	}
	minMs, err := intFromEnv(prefix+"_MIN_LATENCY_MS", int(b.MinLatency.Milliseconds()))
	if err != nil {
		return FakeBehavior{}, err
	}
	maxMs, err := intFromEnv(prefix+"_MAX_LATENCY_MS", int(b.MaxLatency.Milliseconds()))
	if err != nil {
		return FakeBehavior{}, err
	}
	rate, err := floatFromEnv(prefix+"_FAILURE_RATE", 0)
	if err != nil {
		return FakeBehavior{}, err
	}
	if minMs < 0 || maxMs < minMs {
		return FakeBehavior{}, fmt.Errorf("%s latency bounds invalid: min=%d max=%d", prefix, minMs, maxMs)
	}
	// Clamp rather than reject, the simulated providers tolerate sloppy rates.
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	b.MinLatency = time.Duration(minMs) * time.Millisecond
	b.MaxLatency = time.Duration(maxMs) * time.Millisecond
	b.FailureRate = rate
	return b, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
