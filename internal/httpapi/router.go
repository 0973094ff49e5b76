package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhavel/voxgate/internal/auth"
	"github.com/mhavel/voxgate/internal/relay"
	"github.com/mhavel/voxgate/internal/tts"
)

type RouterConfig struct {
	ServiceName string

	// Speech provider credentials for the passthrough endpoints.
	SpeechAPIKey   string
	SpeechTokenURL string

	// Upstream holds the relay's provider integration settings.
	Upstream relay.UpstreamConfig
}

type Router struct {
	cfg        RouterConfig
	logger     *log.Logger
	verifier   relay.TokenVerifier
	registry   *relay.Registry
	tts        tts.Synthesizer
	httpClient *http.Client
	mux        *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, verifier relay.TokenVerifier, registry *relay.Registry, synth tts.Synthesizer) http.Handler {
	r := &Router{
		cfg:        cfg,
		logger:     logger,
		verifier:   verifier,
		registry:   registry,
		tts:        synth,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		mux:        http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// The root path serves the WebSocket relay for upgrade requests and the
	// health check for everything else.
	r.mux.HandleFunc("/", r.handleRoot)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Authenticated HTTP passthrough endpoints.
	r.mux.HandleFunc("POST /tts", r.withAuth(r.handleTTS))
	r.mux.HandleFunc("POST /token", r.withAuth(r.handleEphemeralToken))
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	if isWebSocketUpgrade(req) {
		r.handleRelayWS(w, req)
		return
	}
	r.handleHealth(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   r.cfg.ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// withAuth requires a valid bearer token in the Authorization header and
// puts the verified principal on the request context. Identity-provider
// outages surface as 500, bad tokens as 401.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := auth.TokenFromHeader(req)
		if err != nil {
			http.Error(w, `{"error": "missing or invalid authorization header"}`, http.StatusUnauthorized)
			return
		}

		principal, err := r.verifier.Verify(req.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrAuthProvider) {
				r.logger.Printf("httpapi: auth provider failure: %v", err)
				captureError(req, err, "httpapi: auth provider failure")
				http.Error(w, `{"error": "authentication service unavailable"}`, http.StatusInternalServerError)
				return
			}
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		ctx := auth.WithPrincipal(req.Context(), principal)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
