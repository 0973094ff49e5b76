package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mhavel/voxgate/internal/auth"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Principal, error) {
	switch token {
	case "good-token":
		return &auth.Principal{ID: "user-1", Email: "user@example.com"}, nil
	case "provider-down":
		return nil, fmt.Errorf("identity provider unreachable: %w", auth.ErrAuthProvider)
	default:
		return nil, fmt.Errorf("token rejected: %w", auth.ErrUnauthorized)
	}
}

// startRelay runs the relay behind an httptest server and returns its
// registry and ws:// URL.
func startRelay(t *testing.T, upstream UpstreamConfig) (*Registry, string) {
	t.Helper()
	reg := NewRegistry()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		Serve(ws, req, Deps{
			Verifier: fakeVerifier{},
			Registry: reg,
			Upstream: upstream,
			Logger:   discardLogger(),
		})
	}))
	t.Cleanup(ts.Close)
	return reg, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRelay(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"/?token="+token, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame %q not JSON: %v", data, err)
	}
	return m
}

func expectAuthSuccess(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	frame := readFrame(t, conn)
	if frame["type"] != "auth_success" {
		t.Fatalf("first frame = %v, want auth_success", frame)
	}
	id, _ := frame["connectionId"].(string)
	if id == "" {
		t.Fatal("auth_success missing connectionId")
	}
	return id
}

func waitForRegistryLen(t *testing.T, reg *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry Len() = %d, want %d", reg.Len(), want)
}

func TestServe_RejectsBadToken(t *testing.T) {
	reg, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "bad-token")

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}
	if code, _ := frame["code"].(float64); int(code) != 4001 {
		t.Errorf("code = %v, want 4001", frame["code"])
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}

	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0 for a rejected connection", reg.Len())
	}
}

func TestServe_AuthProviderOutage(t *testing.T) {
	_, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "provider-down")

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}
	if code, _ := frame["code"].(float64); int(code) != 1011 {
		t.Errorf("code = %v, want 1011 for provider outage", frame["code"])
	}
}

func TestServe_AuthSuccessRegistersConnection(t *testing.T) {
	reg, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "good-token")
	id := expectAuthSuccess(t, conn)

	waitForRegistryLen(t, reg, 1)
	c := reg.Get(id)
	if c == nil {
		t.Fatalf("registry has no entry for %s", id)
	}
	if c.HasUpstream() {
		t.Error("new connection should have no upstream session yet")
	}

	conn.Close()
	waitForRegistryLen(t, reg, 0)
}

func TestServe_PingPong(t *testing.T) {
	_, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	before := time.Now().UnixMilli()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ref":42}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("frame = %v, want pong", frame)
	}
	if ref, _ := frame["ref"].(float64); int64(ref) != 42 {
		t.Errorf("ref = %v, want 42", frame["ref"])
	}
	ts, _ := frame["timestamp"].(float64)
	if int64(ts) < before {
		t.Errorf("timestamp = %v, want >= %d", frame["timestamp"], before)
	}
}

func TestServe_AudioBeforeStartIsDropped(t *testing.T) {
	_, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	// The connection must stay usable and emit nothing for dropped audio:
	// the next frame the client sees is the pong, not an error.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ref":7}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("frame = %v, want pong with no error in between", frame)
	}
}

func TestServe_StartEstablishesUpstream(t *testing.T) {
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[{"text":"hello"}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[{"text":"world"}]}`))
	})

	cfg := testUpstreamConfig()
	cfg.URL = fp.wsURL()
	_, url := startRelay(t, cfg)

	conn := dialRelay(t, url, "good-token")
	id := expectAuthSuccess(t, conn)

	start := `{"action":"start","config":{"model":"rt-large","sample_rate":8000}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	ready := readFrame(t, conn)
	if ready["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready", ready)
	}
	if ready["connection_id"] != id {
		t.Errorf("connection_id = %v, want %s", ready["connection_id"], id)
	}

	first := readFrame(t, conn)
	if first["type"] == "proxy_ready" {
		t.Fatal("proxy_ready emitted more than once")
	}
	second := readFrame(t, conn)
	if second["type"] == "proxy_ready" {
		t.Fatal("proxy_ready emitted more than once")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	var got providerConfig
	if err := json.Unmarshal(fp.firstFrames[0], &got); err != nil {
		t.Fatalf("provider config frame: %v", err)
	}
	if got.Model != "rt-large" {
		t.Errorf("model = %q, want rt-large", got.Model)
	}
	if got.SampleRate != 8000 {
		t.Errorf("sample_rate = %d, want 8000", got.SampleRate)
	}
	if got.APIKey != "server-key" {
		t.Errorf("api_key = %q, want the server-held key", got.APIKey)
	}
}

func TestServe_AudioAndFinalizeForwarded(t *testing.T) {
	type received struct {
		mt   int
		data []byte
	}
	forwarded := make(chan received, 8)
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[]}`))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			forwarded <- received{mt, data}
		}
	})

	cfg := testUpstreamConfig()
	cfg.URL = fp.wsURL()
	_, url := startRelay(t, cfg)

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready", frame)
	}

	audio := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	finalize := []byte(`{"type":"finalize"}`)
	if err := conn.WriteMessage(websocket.TextMessage, finalize); err != nil {
		t.Fatalf("write finalize: %v", err)
	}

	got1 := <-forwarded
	if got1.mt != websocket.BinaryMessage || string(got1.data) != string(audio) {
		t.Errorf("forwarded audio = %v %q", got1.mt, got1.data)
	}
	got2 := <-forwarded
	if got2.mt != websocket.TextMessage || string(got2.data) != string(finalize) {
		t.Errorf("forwarded finalize = %v %q, want verbatim payload", got2.mt, got2.data)
	}
}

func TestServe_StartTwiceReplacesSession(t *testing.T) {
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testUpstreamConfig()
	cfg.URL = fp.wsURL()
	_, url := startRelay(t, cfg)

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("write first start: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready", frame)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("write second start: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready for the replacement session", frame)
	}

	fp.waitForConn(t)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		n := len(fp.conns)
		fp.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fp.mu.Lock()
	if len(fp.conns) != 2 {
		fp.mu.Unlock()
		t.Fatalf("provider saw %d connections, want 2", len(fp.conns))
	}
	firstConn := fp.conns[0]
	fp.mu.Unlock()

	// The first session must have been torn down when the second start
	// arrived; its socket errors out promptly.
	_ = firstConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	closedByDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(closedByDeadline) {
		if err := firstConn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("first upstream session still writable after replacement")
}

func TestServe_UpstreamConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	cfg := testUpstreamConfig()
	cfg.URL = "ws://" + ln.Addr().String()
	cfg.ConnectTimeout = 200 * time.Millisecond
	_, url := startRelay(t, cfg)

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}
	msg, _ := frame["message"].(string)
	if !strings.Contains(msg, "timeout") {
		t.Errorf("message = %q, want mention of the timeout", msg)
	}

	// Still no proxy_ready, and the connection stays usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ref":1}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("frame = %v, want pong", frame)
	}
}

func TestServe_MalformedJSONDiscarded(t *testing.T) {
	_, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "ping", broken`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ref":3}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("frame = %v, want pong after discarded garbage", frame)
	}
}

func TestServe_ClientCloseTearsDownUpstream(t *testing.T) {
	closed := make(chan struct{}, 1)
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- struct{}{}
				return
			}
		}
	})

	cfg := testUpstreamConfig()
	cfg.URL = fp.wsURL()
	reg, url := startRelay(t, cfg)

	conn := dialRelay(t, url, "good-token")
	id := expectAuthSuccess(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready", frame)
	}
	waitForRegistryLen(t, reg, 1)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream session not closed after client disconnect")
	}
	waitForRegistryLen(t, reg, 0)
	if reg.Get(id) != nil {
		t.Errorf("registry still holds %s after cleanup", id)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	reg, url := startRelay(t, testUpstreamConfig())

	conn := dialRelay(t, url, "good-token")
	id := expectAuthSuccess(t, conn)
	waitForRegistryLen(t, reg, 1)

	c := reg.Get(id)
	if c == nil {
		t.Fatalf("registry has no entry for %s", id)
	}
	c.Close()
	c.Close()
	waitForRegistryLen(t, reg, 0)
}

func TestRegistry_CloseAllBroadcast(t *testing.T) {
	reg, url := startRelay(t, testUpstreamConfig())

	conn1 := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn1)
	conn2 := dialRelay(t, url, "good-token")
	expectAuthSuccess(t, conn2)
	waitForRegistryLen(t, reg, 2)

	reg.CloseAll()
	waitForRegistryLen(t, reg, 0)

	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Error("first client socket still open after shutdown broadcast")
	}
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Error("second client socket still open after shutdown broadcast")
	}
}

// wsPair returns the server and client sides of one live websocket
// connection, for driving a Conn's callbacks directly.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-serverSide:
		t.Cleanup(func() { server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
		return nil, nil
	}
}

func TestConn_SessionDeathBeforeAttachResetsReady(t *testing.T) {
	server, client := wsPair(t)
	c := &Conn{ID: "conn-1", ws: server, deps: Deps{Logger: discardLogger(), Registry: NewRegistry()}}

	// A session that delivers its first frame and dies before the owner
	// attaches it: readiness must not outlive the session.
	u := &Upstream{done: make(chan struct{})}
	c.onUpstreamFrame(u, true, websocket.TextMessage, []byte(`{"tokens":[]}`))
	if !c.Ready() {
		t.Fatal("first frame should flip readiness")
	}
	u.closeOnce.Do(func() { close(u.done) })
	c.onUpstreamClosed(u, errors.New("connection reset by peer"), false)

	if c.Ready() {
		t.Error("readiness still set after the session ended")
	}
	if c.HasUpstream() {
		t.Error("dead session left attached")
	}

	// Client saw proxy_ready, the frame, then the error notification.
	if frame := readFrame(t, client); frame["type"] != "proxy_ready" {
		t.Fatalf("frame = %v, want proxy_ready", frame)
	}
	readFrame(t, client)
	if frame := readFrame(t, client); frame["type"] != "error" {
		t.Errorf("frame = %v, want error after session death", frame)
	}
}

func TestConn_ReplacedSessionStaysSilent(t *testing.T) {
	server, client := wsPair(t)
	c := &Conn{ID: "conn-2", ws: server, deps: Deps{Logger: discardLogger(), Registry: NewRegistry()}}

	// Mid-replacement: the old session is detached and retired while the new
	// one is still dialing. A late error or frame from it must not reach the
	// client or touch readiness.
	old := &Upstream{done: make(chan struct{})}
	old.retire()
	old.closeOnce.Do(func() { close(old.done) })

	c.onUpstreamClosed(old, errors.New("connection reset by peer"), false)
	c.onUpstreamFrame(old, true, websocket.TextMessage, []byte(`{"tokens":[]}`))

	if c.Ready() {
		t.Error("retired session flipped readiness")
	}

	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := client.ReadMessage(); err == nil {
		t.Errorf("client received %q from a retired session", data)
	}
}
