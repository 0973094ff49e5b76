package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mhavel/voxgate/internal/auth"
)

// handleTTS proxies a text-to-speech request to the provider, keeping the
// provider key server-side. Returns the provider's audio bytes verbatim.
func (r *Router) handleTTS(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text    string `json:"text"`
		VoiceID string `json:"voice_id"`
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, `{"error": "text is required"}`, http.StatusBadRequest)
		return
	}

	result, err := r.tts.Synthesize(req.Context(), body.Text, body.VoiceID, body.ModelID)
	if err != nil {
		r.logger.Printf("httpapi: tts synthesis failed: %v", err)
		captureError(req, err, "httpapi: tts synthesis failed")
		http.Error(w, `{"error": "synthesis failed"}`, http.StatusBadGateway)
		return
	}

	if p := auth.PrincipalFrom(req.Context()); p != nil {
		r.logger.Printf("httpapi: tts synthesized %d bytes for user %s", len(result.Audio), p.ID)
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

// handleEphemeralToken exchanges the caller's verified session for a
// provider-issued short-lived API key, so clients can talk to the speech
// provider directly without ever seeing the server-held key.
func (r *Router) handleEphemeralToken(w http.ResponseWriter, req *http.Request) {
	if r.cfg.SpeechTokenURL == "" {
		http.Error(w, `{"error": "ephemeral tokens not configured"}`, http.StatusServiceUnavailable)
		return
	}

	provReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, r.cfg.SpeechTokenURL, strings.NewReader("{}"))
	if err != nil {
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	provReq.Header.Set("Authorization", "Bearer "+r.cfg.SpeechAPIKey)
	provReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(provReq)
	if err != nil {
		r.logger.Printf("httpapi: ephemeral token request failed: %v", err)
		captureError(req, err, "httpapi: ephemeral token request failed")
		http.Error(w, `{"error": "token issuance failed"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, `{"error": "token issuance failed"}`, http.StatusBadGateway)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Printf("httpapi: ephemeral token provider returned %d", resp.StatusCode)
		http.Error(w, `{"error": "token issuance failed"}`, http.StatusBadGateway)
		return
	}

	// Provider JSON passes through untouched.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
