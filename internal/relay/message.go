package relay

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// MessageKind discriminates inbound client frames after classification.
type MessageKind int

const (
	// KindAudio is a binary frame carrying raw audio for the upstream session.
	KindAudio MessageKind = iota
	// KindPing is a client liveness probe answered locally with a pong.
	KindPing
	// KindStart requests (re)establishment of the upstream session.
	KindStart
	// KindFinalize asks the upstream to flush pending partial results.
	KindFinalize
	// KindOther is any other JSON control frame, forwarded verbatim.
	KindOther
	// KindMalformed is a frame that failed JSON parsing; logged and discarded.
	KindMalformed
)

// ClientMessage is one classified inbound frame. Raw always holds the
// original payload so forwarding never re-serializes client JSON.
type ClientMessage struct {
	Kind   MessageKind
	Ref    int64           // ping ref, defaults to 0
	Config json.RawMessage // start: the config object (nested config field or the message itself)
	Raw    []byte
}

// looksLikeJSON reports whether the first non-whitespace byte opens a JSON
// object or array. Binary frames that fail this test are raw audio.
func looksLikeJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// probe captures just the discriminator fields of a control message.
type probe struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Ref    *int64          `json:"ref"`
	Config json.RawMessage `json:"config"`
}

// Classify turns one inbound websocket frame into a ClientMessage.
// Classification order: binary non-JSON frames are audio; everything else is
// parsed once and dispatched on its type/action discriminators.
func Classify(messageType int, data []byte) ClientMessage {
	if messageType == websocket.BinaryMessage && !looksLikeJSON(data) {
		return ClientMessage{Kind: KindAudio, Raw: data}
	}

	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		// Discard only frames that are not JSON at all. Well-formed JSON
		// whose discriminator fields carry unexpected types (or a top-level
		// array) still forwards verbatim.
		if json.Valid(data) {
			return ClientMessage{Kind: KindOther, Raw: data}
		}
		return ClientMessage{Kind: KindMalformed, Raw: data}
	}

	switch {
	case p.Type == "ping":
		var ref int64
		if p.Ref != nil {
			ref = *p.Ref
		}
		return ClientMessage{Kind: KindPing, Ref: ref, Raw: data}
	case p.Action == "start":
		cfg := p.Config
		if len(cfg) == 0 {
			// Config fields may sit at the top level of the start message.
			cfg = json.RawMessage(data)
		}
		return ClientMessage{Kind: KindStart, Config: cfg, Raw: data}
	case p.Type == "finalize":
		return ClientMessage{Kind: KindFinalize, Raw: data}
	default:
		return ClientMessage{Kind: KindOther, Raw: data}
	}
}
