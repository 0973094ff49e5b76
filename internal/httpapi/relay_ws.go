package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mhavel/voxgate/internal/relay"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func isWebSocketUpgrade(req *http.Request) bool {
	return websocket.IsWebSocketUpgrade(req)
}

// handleRelayWS upgrades the client connection and hands it to the relay
// state machine. Authentication runs after the upgrade so failures can be
// reported as an error frame before the policy-violation close.
func (r *Router) handleRelayWS(w http.ResponseWriter, req *http.Request) {
	// Browsers can only pass a token through the subprotocol list; echo the
	// Bearer component back or the client-side handshake fails.
	var responseHeader http.Header
	if proto := bearerSubprotocol(req); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}

	conn, err := upgrader.Upgrade(w, req, responseHeader)
	if err != nil {
		r.logger.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}

	relay.Serve(conn, req, relay.Deps{
		Verifier: r.verifier,
		Registry: r.registry,
		Upstream: r.cfg.Upstream,
		Logger:   r.logger,
	})
}

func bearerSubprotocol(req *http.Request) string {
	for _, part := range strings.Split(req.Header.Get("Sec-WebSocket-Protocol"), ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "Bearer.") {
			return part
		}
	}
	return ""
}
