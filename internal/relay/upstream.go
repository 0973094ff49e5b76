package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// AuthMode selects how the provider API key is presented. A static
// deployment property, never per-request.
type AuthMode string

const (
	// AuthModeHeader sends the key as an Authorization header on dial.
	AuthModeHeader AuthMode = "header"
	// AuthModePayload embeds the key in the first config frame instead.
	AuthModePayload AuthMode = "payload"
)

// ErrConnectTimeout is returned when the provider connection does not reach
// the open state within the configured bound.
var ErrConnectTimeout = errors.New("upstream connect timeout")

const (
	// DefaultConnectTimeout bounds the wait for the provider socket to open.
	DefaultConnectTimeout = 10 * time.Second

	defaultMaxNonFinalMs = 4000
	defaultLanguageHint  = "multi"
	defaultTranslation   = "one_way"
)

// UpstreamConfig holds the server-side provider integration settings plus
// the deployment defaults applied when the client config omits a field.
type UpstreamConfig struct {
	URL            string
	APIKey         string
	AuthMode       AuthMode
	ConnectTimeout time.Duration

	// Defaults for the translated session config.
	Model       string
	AudioFormat string
	SampleRate  int
	NumChannels int

	// Dialer is swappable for tests; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// SessionConfig is the client-supplied session configuration, accepted
// either nested under a start message's config field or at its top level.
// Field aliases (encoding/channels) cover older client builds.
type SessionConfig struct {
	Model                       string             `json:"model"`
	AudioFormat                 string             `json:"audio_format"`
	Encoding                    string             `json:"encoding"`
	SampleRate                  int                `json:"sample_rate"`
	NumChannels                 int                `json:"num_channels"`
	Channels                    int                `json:"channels"`
	EnableNonFinalTokens        *bool              `json:"enable_non_final_tokens"`
	EnableEndpointDetection     *bool              `json:"enable_endpoint_detection"`
	MaxNonFinalTokensDurationMs *int               `json:"max_non_final_tokens_duration_ms"`
	LanguageHints               []string           `json:"language_hints"`
	Translation                 *TranslationConfig `json:"translation"`
}

// TranslationConfig configures provider-side live translation.
type TranslationConfig struct {
	Type           string `json:"type,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
}

// providerConfig is the provider's wire schema, sent as the first outbound
// frame of every upstream session.
type providerConfig struct {
	APIKey                      string             `json:"api_key,omitempty"`
	Model                       string             `json:"model"`
	AudioFormat                 string             `json:"audio_format"`
	SampleRate                  int                `json:"sample_rate"`
	NumChannels                 int                `json:"num_channels"`
	EnableNonFinalTokens        bool               `json:"enable_non_final_tokens"`
	EnableEndpointDetection     bool               `json:"enable_endpoint_detection"`
	MaxNonFinalTokensDurationMs int                `json:"max_non_final_tokens_duration_ms"`
	LanguageHints               []string           `json:"language_hints"`
	Translation                 *TranslationConfig `json:"translation,omitempty"`
}

// translateConfig maps the client configuration onto the provider schema,
// applying deployment defaults for absent fields. The provider key is
// injected only under AuthModePayload and never comes from client input.
func translateConfig(cfg UpstreamConfig, raw json.RawMessage, logger *log.Logger) providerConfig {
	var sc SessionConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sc); err != nil {
			logger.Printf("upstream: unparseable session config, using defaults: %v", err)
		}
	}

	out := providerConfig{
		Model:                       sc.Model,
		AudioFormat:                 sc.AudioFormat,
		SampleRate:                  sc.SampleRate,
		NumChannels:                 sc.NumChannels,
		EnableNonFinalTokens:        true,
		EnableEndpointDetection:     true,
		MaxNonFinalTokensDurationMs: defaultMaxNonFinalMs,
		LanguageHints:               sc.LanguageHints,
	}

	if out.Model == "" {
		out.Model = cfg.Model
	}
	if out.AudioFormat == "" {
		out.AudioFormat = sc.Encoding
	}
	if out.AudioFormat == "" {
		out.AudioFormat = cfg.AudioFormat
	}
	if out.SampleRate == 0 {
		out.SampleRate = sc.SampleRate
	}
	if out.SampleRate == 0 {
		out.SampleRate = cfg.SampleRate
	}
	if out.NumChannels == 0 {
		out.NumChannels = sc.Channels
	}
	if out.NumChannels == 0 {
		out.NumChannels = cfg.NumChannels
	}
	if sc.EnableNonFinalTokens != nil {
		out.EnableNonFinalTokens = *sc.EnableNonFinalTokens
	}
	if sc.EnableEndpointDetection != nil {
		out.EnableEndpointDetection = *sc.EnableEndpointDetection
	}
	if sc.MaxNonFinalTokensDurationMs != nil && *sc.MaxNonFinalTokensDurationMs > 0 {
		out.MaxNonFinalTokensDurationMs = *sc.MaxNonFinalTokensDurationMs
	}
	if len(out.LanguageHints) == 0 {
		out.LanguageHints = []string{defaultLanguageHint}
	}

	if sc.Translation != nil {
		if sc.Translation.TargetLanguage == "" {
			// The provider rejects invalid translation config itself; do not
			// block the connection here.
			logger.Printf("upstream: translation config missing target_language")
			out.Translation = sc.Translation
		} else {
			t := *sc.Translation
			if t.Type == "" {
				t.Type = defaultTranslation
			}
			out.Translation = &t
		}
	}

	if cfg.AuthMode == AuthModePayload {
		out.APIKey = cfg.APIKey
	}

	return out
}

// Upstream owns one outbound WebSocket connection to the speech provider.
// At most one exists per client connection at any instant.
type Upstream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger

	// retired marks a session deliberately superseded or torn down by its
	// owner, so a provider error racing the teardown is not surfaced.
	retired atomic.Bool

	// onFrame receives every provider frame; first is true exactly once.
	onFrame func(u *Upstream, first bool, messageType int, data []byte)
	// onClosed fires on provider-side close or error, never on deliberate
	// Close. beforeFirstFrame distinguishes handshake-stage failures.
	onClosed func(u *Upstream, err error, beforeFirstFrame bool)
}

// dialUpstream opens a provider connection, sends the translated config as
// the first frame, and starts the read loop. The connect timeout is carried
// by the dial context, so it cannot fire after a successful open.
func dialUpstream(cfg UpstreamConfig, clientCfg json.RawMessage, logger *log.Logger,
	onFrame func(u *Upstream, first bool, messageType int, data []byte),
	onClosed func(u *Upstream, err error, beforeFirstFrame bool)) (*Upstream, error) {

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	var headers http.Header
	if cfg.AuthMode == AuthModeHeader {
		headers = http.Header{}
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
		}
		return nil, fmt.Errorf("upstream dial: %w", err)
	}

	u := &Upstream{
		conn:     conn,
		done:     make(chan struct{}),
		logger:   logger,
		onFrame:  onFrame,
		onClosed: onClosed,
	}

	first := translateConfig(cfg, clientCfg, logger)
	if err := u.writeJSON(first); err != nil {
		u.Close()
		return nil, fmt.Errorf("upstream config send: %w", err)
	}

	go u.readLoop()
	return u, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retire flags the session as deliberately discarded by its owner. Set
// before Close during replacement or cleanup; checked by the owner's closed
// callback.
func (u *Upstream) retire() {
	u.retired.Store(true)
}

// isRetired reports whether the owner has deliberately discarded the session.
func (u *Upstream) isRetired() bool {
	return u.retired.Load()
}

// IsOpen reports whether the session has not been closed locally.
func (u *Upstream) IsOpen() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// SendAudio forwards raw audio bytes unmodified.
func (u *Upstream) SendAudio(data []byte) error {
	return u.write(websocket.BinaryMessage, data)
}

// SendText forwards a client control frame verbatim.
func (u *Upstream) SendText(data []byte) error {
	return u.write(websocket.TextMessage, data)
}

func (u *Upstream) write(messageType int, data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	select {
	case <-u.done:
		return errors.New("upstream session closed")
	default:
	}
	return u.conn.WriteMessage(messageType, data)
}

func (u *Upstream) writeJSON(v any) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn.WriteJSON(v)
}

// Close tears the session down. Idempotent; suppresses the onClosed callback
// so deliberate closes (replacement, cleanup) never surface as errors.
func (u *Upstream) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

// readLoop forwards provider frames upward until close or error. Frames are
// delivered in arrival order; the first one flips readiness in the owner.
func (u *Upstream) readLoop() {
	first := true
	for {
		messageType, data, err := u.conn.ReadMessage()
		if err != nil {
			select {
			case <-u.done:
				// Closed deliberately; the owner already moved on.
				return
			default:
			}
			u.closeOnce.Do(func() {
				close(u.done)
				_ = u.conn.Close()
			})
			u.onClosed(u, err, first)
			return
		}
		u.onFrame(u, first, messageType, data)
		first = false
	}
}
