package app

import (
	"errors"
	"log"
	"net/http"

	"github.com/mhavel/voxgate/internal/auth"
	"github.com/mhavel/voxgate/internal/httpapi"
	"github.com/mhavel/voxgate/internal/relay"
	"github.com/mhavel/voxgate/internal/tts"
)

const serviceName = "voxgate"

type App struct {
	cfg      Config
	logger   *log.Logger
	verifier *auth.Verifier
	registry *relay.Registry
	synth    tts.Synthesizer
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.SpeechAPIKey == "" {
		return nil, errors.New("SPEECH_API_KEY is required")
	}
	if cfg.AuthBaseURL == "" {
		return nil, errors.New("AUTH_BASE_URL is required")
	}
	if cfg.AuthAnonKey == "" {
		return nil, errors.New("AUTH_ANON_KEY is required")
	}
	if cfg.SpeechAuthMode != relay.AuthModeHeader && cfg.SpeechAuthMode != relay.AuthModePayload {
		return nil, errors.New("SPEECH_AUTH_MODE must be header or payload")
	}

	verifier := auth.NewVerifier(auth.Config{
		BaseURL: cfg.AuthBaseURL,
		AnonKey: cfg.AuthAnonKey,
	})

	synth := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:  cfg.TTSAPIKey,
		VoiceID: cfg.TTSVoiceID,
		ModelID: cfg.TTSModelID,
	})

	return &App{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		registry: relay.NewRegistry(),
		synth:    synth,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		ServiceName:    serviceName,
		SpeechAPIKey:   a.cfg.SpeechAPIKey,
		SpeechTokenURL: a.cfg.SpeechTokenURL,
		Upstream: relay.UpstreamConfig{
			URL:            a.cfg.SpeechWSURL,
			APIKey:         a.cfg.SpeechAPIKey,
			AuthMode:       a.cfg.SpeechAuthMode,
			ConnectTimeout: a.cfg.UpstreamConnectTimeout,
			Model:          a.cfg.SpeechModel,
			AudioFormat:    a.cfg.SpeechAudioFormat,
			SampleRate:     a.cfg.SpeechSampleRate,
			NumChannels:    a.cfg.SpeechNumChannels,
		},
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.verifier, a.registry, a.synth)
}

// Registry exposes the connection registry for the shutdown broadcast.
func (a *App) Registry() *relay.Registry {
	return a.registry
}

// Close tears down every live connection. Idempotent per connection.
func (a *App) Close() error {
	a.registry.CloseAll()
	return nil
}
