package app

import (
	"os"
	"strconv"
	"time"

	"github.com/mhavel/voxgate/internal/relay"
)

type Config struct {
	HTTPAddr  string
	SentryDSN string

	// Speech provider (upstream relay leg)
	SpeechAPIKey           string
	SpeechWSURL            string
	SpeechAuthMode         relay.AuthMode
	SpeechTokenURL         string
	SpeechModel            string
	SpeechAudioFormat      string
	SpeechSampleRate       int
	SpeechNumChannels      int
	UpstreamConnectTimeout time.Duration

	// Identity provider
	AuthBaseURL string
	AuthAnonKey string

	// TTS passthrough
	TTSAPIKey  string
	TTSVoiceID string
	TTSModelID string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:  ":" + getenv("PORT", "8080"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		SpeechAPIKey:           os.Getenv("SPEECH_API_KEY"), // Required - no fallback
		SpeechWSURL:            getenv("SPEECH_WS_URL", "wss://stt-rt.soniox.com/transcribe-websocket"),
		SpeechAuthMode:         relay.AuthMode(getenv("SPEECH_AUTH_MODE", string(relay.AuthModePayload))),
		SpeechTokenURL:         getenv("SPEECH_TOKEN_URL", ""),
		SpeechModel:            getenv("SPEECH_MODEL", "stt-rt-preview"),
		SpeechAudioFormat:      getenv("SPEECH_AUDIO_FORMAT", "pcm_s16le"),
		SpeechSampleRate:       getenvInt("SPEECH_SAMPLE_RATE", 16000),
		SpeechNumChannels:      getenvInt("SPEECH_NUM_CHANNELS", 1),
		UpstreamConnectTimeout: getenvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),

		AuthBaseURL: os.Getenv("AUTH_BASE_URL"), // Required
		AuthAnonKey: os.Getenv("AUTH_ANON_KEY"), // Required

		TTSAPIKey:  getenv("TTS_API_KEY", ""),
		TTSVoiceID: getenv("TTS_VOICE_ID", ""),
		TTSModelID: getenv("TTS_MODEL_ID", ""),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
