package bridge

import (
	"fmt"
	"strings"

	"github.com/saucstream/sauc-go/pkg/adapters/stt"
	"github.com/saucstream/sauc-go/pkg/configutil"
	"github.com/saucstream/sauc-go/pkg/metrics"
	"github.com/saucstream/sauc-go/pkg/providers/deepgram"
	"github.com/saucstream/sauc-go/pkg/providers/mock"
	saucstt "github.com/saucstream/sauc-go/pkg/providers/sauc"
)

// STTFactory builds one recognizer per session.
type STTFactory func(sessionID string) stt.StreamingSTT

// STTFactoryBuilder resolves vendor settings once and returns a per-session
// factory.
type STTFactoryBuilder func(cfg Config, traceID string, m *metrics.Metrics) (STTFactory, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactoryBuilder)}
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string, m *metrics.Metrics) (STTFactory, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID, m)
}

// DefaultRegistry returns a registry with the built-in backends.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("sauc", buildSaucSTT)
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterSTT("mock", buildMockSTT)
	return r
}

type saucSettings struct {
	URL       string            `mapstructure:"url"`
	AuthToken string            `mapstructure:"auth_token"`
	Params    map[string]string `mapstructure:"params"`
}

func buildSaucSTT(cfg Config, traceID string, m *metrics.Metrics) (STTFactory, error) {
	if err := configutil.ValidateSettings(cfg.Recognizer.Settings, configutil.Schema{
		Required:     []string{"url"},
		Optional:     []string{"auth_token", "params"},
		AllowUnknown: false,
	}); err != nil {
		return nil, err
	}
	var settings saucSettings
	if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
		return nil, err
	}
	return func(sessionID string) stt.StreamingSTT {
		return saucstt.New(saucstt.Config{
			URL:              settings.URL,
			AuthToken:        settings.AuthToken,
			Params:           settings.Params,
			SessionID:        sessionID,
			TraceID:          traceID,
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			Encoding:         cfg.Audio.Encoding,
			HandshakeTimeout: configutil.DurationMS(cfg.Session.HandshakeTimeoutMS, 0),
			DrainTimeout:     configutil.DurationMS(cfg.Session.DrainTimeoutMS, 0),
			SendBuffer:       cfg.Session.SendBuffer,
			Metrics:          m,
		})
	}, nil
}

type deepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	Encoding string `mapstructure:"encoding"`
	Interim  bool   `mapstructure:"interim"`
}

func buildDeepgramSTT(cfg Config, traceID string, _ *metrics.Metrics) (STTFactory, error) {
	if err := configutil.ValidateSettings(cfg.Recognizer.Settings, configutil.Schema{
		Required:     []string{"api_key"},
		Optional:     []string{"model", "language", "encoding", "interim"},
		AllowUnknown: false,
	}); err != nil {
		return nil, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
		return nil, err
	}
	return func(sessionID string) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Language:   settings.Language,
			Encoding:   settings.Encoding,
			Interim:    settings.Interim,
			SampleRate: cfg.Audio.SampleRate,
			SessionID:  sessionID,
			TraceID:    traceID,
		})
	}, nil
}

type mockSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       bool   `mapstructure:"emit_interim"`
}

func buildMockSTT(cfg Config, traceID string, _ *metrics.Metrics) (STTFactory, error) {
	var settings mockSettings
	if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
		return nil, err
	}
	return func(sessionID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			SessionID:         sessionID,
			TraceID:           traceID,
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
			EmitInterim:       settings.EmitInterim,
		})
	}, nil
}
