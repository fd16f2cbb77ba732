package bridge

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Recognizer RecognizerConfig `mapstructure:"recognizer"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Session    SessionConfig    `mapstructure:"session"`
	Restart    RestartConfig    `mapstructure:"restart"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
}

// RecognizerConfig selects a backend by name; Settings are vendor-specific
// and decoded by the provider factory.
type RecognizerConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Encoding   string `mapstructure:"encoding"`
}

type SessionConfig struct {
	HandshakeTimeoutMS  int `mapstructure:"handshake_timeout_ms"`
	DrainTimeoutMS      int `mapstructure:"drain_timeout_ms"`
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	SendBuffer          int `mapstructure:"send_buffer"`
	EventBuffer         int `mapstructure:"event_buffer"`
}

type RestartConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxAttempts       int  `mapstructure:"max_attempts"`
	BackoffMS         int  `mapstructure:"backoff_ms"`
	BreakerThreshold  int  `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int  `mapstructure:"breaker_cooldown_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.encoding", "pcm16")
	v.SetDefault("session.handshake_timeout_ms", 10000)
	v.SetDefault("session.drain_timeout_ms", 5000)
	v.SetDefault("session.heartbeat_interval_ms", 15000)
	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("restart.enabled", false)
	v.SetDefault("restart.max_attempts", 3)
	v.SetDefault("restart.backoff_ms", 500)
	v.SetDefault("restart.breaker_threshold", 5)
	v.SetDefault("restart.breaker_cooldown_ms", 30000)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Recognizer.Provider) == "" {
		return fmt.Errorf("recognizer.provider is required")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
