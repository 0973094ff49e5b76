package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mhavel/voxgate/internal/auth"
	"github.com/mhavel/voxgate/internal/obs"
)

// Error frame codes. Unauthorized is client-facing; internal covers
// identity-provider outages.
const (
	codeUnauthorized = 4001
	codeInternal     = 1011
)

// TokenVerifier validates a bearer token and returns the principal behind it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Principal, error)
}

// Deps is everything a connection needs beyond its own socket. Injected by
// the server process; the registry is the only piece shared across
// connections.
type Deps struct {
	Verifier TokenVerifier
	Registry *Registry
	Upstream UpstreamConfig
	Logger   *log.Logger
}

// Conn is the per-client connection record and its relay state machine.
// upstream and ready are mutated only under mu; the client socket has its
// own write mutex since upstream callbacks and the read loop both send.
type Conn struct {
	ID        string
	principal *auth.Principal

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	upstream *Upstream
	ready    bool

	deps        Deps
	cleanupOnce sync.Once
}

// Server-to-client frames.

type authSuccessFrame struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Ref       int64  `json:"ref"`
	Timestamp int64  `json:"timestamp"`
}

type proxyReadyFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Serve runs the relay state machine for one upgraded client connection and
// blocks until it closes. Authentication happens first; a failure sends one
// error frame and closes with a policy-violation status without ever
// creating a connection record.
func Serve(ws *websocket.Conn, req *http.Request, deps Deps) {
	c := &Conn{ws: ws, deps: deps}

	token, err := auth.TokenFromUpgrade(req)
	var principal *auth.Principal
	if err == nil {
		principal, err = deps.Verifier.Verify(req.Context(), token)
	}
	if err != nil {
		c.rejectAuth(err)
		return
	}

	c.ID = uuid.NewString()
	c.principal = principal
	deps.Registry.Add(c)
	obs.ActiveConnections.Inc()
	defer c.Close()

	c.sendJSON(authSuccessFrame{Type: "auth_success", Message: "authenticated", ConnectionID: c.ID})
	deps.Logger.Printf("relay: connection %s authenticated as user %s", c.ID, principal.ID)

	c.readLoop()
}

func (c *Conn) rejectAuth(err error) {
	code := codeUnauthorized
	message := "unauthorized"
	kind := "unauthorized"
	if errors.Is(err, auth.ErrAuthProvider) {
		code = codeInternal
		message = "authentication service unavailable"
		kind = "provider_error"
		c.deps.Logger.Printf("relay: auth provider failure: %v", err)
	} else {
		c.deps.Logger.Printf("relay: rejected connection: %v", err)
	}
	obs.AuthFailures.WithLabelValues(kind).Inc()

	c.sendJSON(errorFrame{Type: "error", Message: message, Code: code})
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	_ = c.ws.Close()
}

func (c *Conn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.deps.Logger.Printf("relay: connection %s closed by client", c.ID)
			} else {
				c.deps.Logger.Printf("relay: connection %s read error: %v", c.ID, err)
			}
			return
		}
		c.dispatch(Classify(messageType, data))
	}
}

// dispatch applies the frame routing policy: audio forwards to an open
// upstream or is dropped silently, pings are answered locally, start events
// (re)establish the upstream session, everything else JSON forwards verbatim.
func (c *Conn) dispatch(msg ClientMessage) {
	switch msg.Kind {
	case KindAudio:
		u := c.currentUpstream()
		if u == nil || !u.IsOpen() {
			// Audio racing ahead of the upstream handshake is expected,
			// not a fault.
			obs.AudioFramesDropped.Inc()
			return
		}
		if err := u.SendAudio(msg.Raw); err != nil {
			c.deps.Logger.Printf("relay: connection %s audio forward failed: %v", c.ID, err)
			return
		}
		obs.AudioFramesForwarded.Inc()

	case KindPing:
		c.sendJSON(pongFrame{Type: "pong", Ref: msg.Ref, Timestamp: time.Now().UnixMilli()})

	case KindStart:
		c.startUpstream(msg.Config)

	case KindFinalize:
		u := c.currentUpstream()
		if u == nil || !u.IsOpen() {
			c.deps.Logger.Printf("relay: connection %s finalize without upstream session, discarded", c.ID)
			return
		}
		if err := u.SendText(msg.Raw); err != nil {
			c.deps.Logger.Printf("relay: connection %s finalize forward failed: %v", c.ID, err)
		}

	case KindOther:
		u := c.currentUpstream()
		if u == nil || !u.IsOpen() {
			return
		}
		if err := u.SendText(msg.Raw); err != nil {
			c.deps.Logger.Printf("relay: connection %s forward failed: %v", c.ID, err)
		}

	case KindMalformed:
		c.deps.Logger.Printf("relay: connection %s discarding malformed frame", c.ID)
	}
}

// startUpstream tears down any existing session, then dials a new one.
// Serialized by the client read loop; only upstream callbacks touch the same
// state concurrently.
func (c *Conn) startUpstream(cfg json.RawMessage) {
	c.mu.Lock()
	old := c.upstream
	c.upstream = nil
	c.ready = false
	if old != nil {
		// Retire under mu: a provider error racing this replacement either
		// took the lock first and reported normally, or sees the flag and
		// stays silent.
		old.retire()
	}
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.deps.Logger.Printf("relay: connection %s starting upstream session", c.ID)

	u, err := dialUpstream(c.deps.Upstream, cfg, c.deps.Logger, c.onUpstreamFrame, c.onUpstreamClosed)
	if err != nil {
		message := "failed to connect to speech service"
		errType := "dial"
		if errors.Is(err, ErrConnectTimeout) {
			message = "timeout connecting to speech service"
			errType = "timeout"
		}
		obs.UpstreamErrors.WithLabelValues(errType).Inc()
		c.deps.Logger.Printf("relay: connection %s upstream connect failed: %v", c.ID, err)
		c.sendJSON(errorFrame{Type: "error", Message: message})
		return
	}

	c.mu.Lock()
	if u.IsOpen() {
		c.upstream = u
	}
	c.mu.Unlock()
}

// onUpstreamFrame forwards every provider frame to the client verbatim. The
// first frame of a session flips readiness and emits one proxy_ready.
func (c *Conn) onUpstreamFrame(u *Upstream, first bool, messageType int, data []byte) {
	if u.isRetired() {
		// Frames still in flight from a replaced session do not reach the
		// client or flip readiness for its successor.
		return
	}
	if first {
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		c.sendJSON(proxyReadyFrame{Type: "proxy_ready", ConnectionID: c.ID})
		c.deps.Logger.Printf("relay: connection %s upstream ready", c.ID)
	}
	obs.UpstreamFrames.Inc()
	c.writeMu.Lock()
	err := c.ws.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil {
		c.deps.Logger.Printf("relay: connection %s client write failed: %v", c.ID, err)
	}
}

// onUpstreamClosed handles provider-side close or error. The client socket
// stays open so the client can retry with a fresh start event. Retired
// sessions stay silent like deliberate closes.
func (c *Conn) onUpstreamClosed(u *Upstream, err error, beforeFirstFrame bool) {
	c.mu.Lock()
	if u.isRetired() || (c.upstream != nil && c.upstream != u) {
		c.mu.Unlock()
		return
	}
	// u is the live session, or one that died before its attach completed;
	// readiness resets with it either way.
	c.upstream = nil
	c.ready = false
	c.mu.Unlock()

	if beforeFirstFrame {
		// Usually a rejected provider credential or invalid session config.
		c.deps.Logger.Printf("relay: connection %s upstream closed before first frame: %v", c.ID, err)
	} else {
		c.deps.Logger.Printf("relay: connection %s upstream closed: %v", c.ID, err)
	}
	obs.UpstreamErrors.WithLabelValues("closed").Inc()
	c.sendJSON(errorFrame{Type: "error", Message: "speech service connection closed"})
}

func (c *Conn) currentUpstream() *Upstream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream
}

// Ready reports whether the upstream provider has produced its first frame.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// HasUpstream reports whether an upstream session is currently attached.
func (c *Conn) HasUpstream() bool {
	return c.currentUpstream() != nil
}

func (c *Conn) sendJSON(v any) {
	c.writeMu.Lock()
	err := c.ws.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		c.deps.Logger.Printf("relay: connection %s send failed: %v", c.ID, err)
	}
}

// Close runs cleanup: upstream leg first, then the client socket, then
// registry removal as the terminal step. Safe to invoke more than once,
// from the read loop or from process shutdown.
func (c *Conn) Close() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		u := c.upstream
		c.upstream = nil
		c.ready = false
		if u != nil {
			u.retire()
		}
		c.mu.Unlock()
		if u != nil {
			u.Close()
		}
		_ = c.ws.Close()
		c.deps.Registry.Remove(c.ID)
		obs.ActiveConnections.Dec()
		c.deps.Logger.Printf("relay: connection %s cleaned up", c.ID)
	})
}
