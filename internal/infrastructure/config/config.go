package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server ServerConfig `koanf:"server"`
	Store  StoreConfig  `koanf:"store"`

	Twilio   TwilioConfig   `koanf:"twilio"`
	Plivo    PlivoConfig    `koanf:"plivo"`
	Deepgram DeepgramConfig `koanf:"deepgram"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// PublicURL is the externally reachable base URL webhooks are signed
	// against. When empty it is reconstructed from forwarding headers.
	PublicURL string `koanf:"public_url"`
	// StreamURL is the websocket endpoint call audio is bridged to.
	StreamURL string `koanf:"stream_url"`
}

type StoreConfig struct {
	// Path of the append-only call log.
	Path string `koanf:"path"`
	// HistoryLimit caps how many log lines the history endpoint returns.
	HistoryLimit int `koanf:"history_limit"`
}

type TwilioConfig struct {
	AccountSID        string `koanf:"account_sid"`
	AuthToken         string `koanf:"auth_token"`
	SkipVerification  bool   `koanf:"skip_verification"`
	AllowTunnelBypass bool   `koanf:"allow_tunnel_bypass"`
}

type PlivoConfig struct {
	AuthID            string `koanf:"auth_id"`
	AuthToken         string `koanf:"auth_token"`
	AnswerWaitSeconds int    `koanf:"answer_wait_seconds"`
	SkipVerification  bool   `koanf:"skip_verification"`
	AllowTunnelBypass bool   `koanf:"allow_tunnel_bypass"`
}

type DeepgramConfig struct {
	APIKey     string `koanf:"api_key"`
	Model      string `koanf:"model"`
	Language   string `koanf:"language"`
	SampleRate int    `koanf:"sample_rate"`
	Encoding   string `koanf:"encoding"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// Load builds the configuration: struct defaults, then an optional YAML file,
// then VGW_-prefixed environment variables, each layer overriding the last.
func Load(configFile string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:         "data/calls.log",
			HistoryLimit: 100,
		},
		Deepgram: DeepgramConfig{
			Model:      "nova-3",
			Language:   "en-US",
			SampleRate: 8000,
			Encoding:   "mulaw",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// The config file is optional; env-only deployments are fine.
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
	} else {
		_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())
	}

	// Double underscore separates nesting levels so keys that contain a
	// single underscore (api_key, public_url) survive the mapping:
	// VGW_TWILIO__AUTH_TOKEN -> twilio.auth_token.
	if err := k.Load(env.Provider("VGW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VGW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
