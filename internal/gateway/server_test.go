package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"tom/gateway/internal/audio"
	"tom/gateway/internal/auth"
	"tom/gateway/internal/config"
	"tom/gateway/internal/nonce"
	"tom/gateway/internal/realtime"
	"tom/gateway/internal/rl"
)

const testSecret = "test-secret-0123456789abcdef"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	var cfg config.Config
	cfg.JWT.Secret = testSecret
	cfg.JWT.Issuer = "tom-telephony"
	cfg.JWT.Audience = "tom-gateway"
	cfg.JWT.MaxTTLSec = 60
	cfg.JWT.NonceTTL = 120
	cfg.Gateway.ConnPerMin = 100
	cfg.Gateway.MsgsPerSec = 1000
	cfg.Gateway.BytesPerSec = 10 << 20
	cfg.Gateway.MaxFrameBytes = 64 * 1024
	cfg.Gateway.IdleTimeoutSec = 5
	cfg.Phone.DefaultCountry = "+49"
	cfg.Realtime.Backend = realtime.BackendMock
	if mutate != nil {
		mutate(&cfg)
	}

	store := nonce.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	verifier, err := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience,
		time.Duration(cfg.JWT.MaxTTLSec)*time.Second, time.Duration(cfg.JWT.NonceTTL)*time.Second, store)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	var hasher *auth.Hasher
	if cfg.Phone.Pepper != "" {
		hasher, err = auth.NewHasher(cfg.Phone.DefaultCountry, cfg.Phone.Pepper, cfg.Phone.PreviousPepper)
		if err != nil {
			t.Fatalf("hasher: %v", err)
		}
	}

	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	bandit := rl.NewBandit(filepath.Join(dir, "bandit.json"), rng)
	guard, err := rl.NewGuard(rl.DefaultGuardConfig(), filepath.Join(dir, "guard.json"), bandit, rng)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	srv := NewServer(cfg, verifier, hasher, guard, bandit)
	t.Cleanup(srv.Shutdown)
	srv.newSession = func(callID string) (realtime.Session, error) {
		return realtime.NewMockSession(callID), nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stream/", srv.HandleStream)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialCall(t *testing.T, ts *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream/" + callID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"realtime-v1"},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", callID, err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func mintToken(t *testing.T, callID string) string {
	t.Helper()
	token, err := auth.Mint(testSecret, "tom-telephony", "tom-gateway", callID, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func authenticate(t *testing.T, conn *websocket.Conn, callID string) map[string]any {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "auth", "jwt": mintToken(t, callID)})
	frame := readFrame(t, conn)
	if frame["type"] != "connected" {
		t.Fatalf("expected connected frame, got %v", frame)
	}
	return frame
}

// expectAuthRejected drains the auth_error frame (if any) and asserts
// the connection closes with 1008.
func expectAuthRejected(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("auth rejection: err = %v, want close 1008", err)
			}
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if m["type"] != "auth_error" {
			t.Fatalf("expected auth_error frame, got %v", m)
		}
	}
}

func TestStreamHappyPath(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-happy")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := authenticate(t, conn, "call-happy")
	if frame["call_id"] != "call-happy" {
		t.Fatalf("connected frame = %v", frame)
	}
	if v, _ := frame["policy_variant"].(string); v == "" {
		t.Fatalf("connected frame missing policy_variant: %v", frame)
	}

	silence := audio.EncodeFrame(audio.Silence(1))
	for i := 0; i < 50; i++ {
		sendJSON(t, conn, map[string]any{
			"type":      "audio_chunk",
			"audio":     silence,
			"timestamp": float64(i) * 0.02,
		})
	}

	var saw []string
	for {
		frame := readFrame(t, conn)
		typ, _ := frame["type"].(string)
		saw = append(saw, typ)
		if typ == realtime.EventTTSComplete {
			break
		}
		if len(saw) > 50 {
			t.Fatalf("no tts_complete in %v", saw)
		}
	}
	var sawSTT, sawToken bool
	for _, typ := range saw {
		if typ == realtime.EventSTTFinal {
			sawSTT = true
		}
		if typ == realtime.EventLLMToken {
			sawToken = true
		}
	}
	if !sawSTT || !sawToken {
		t.Fatalf("turn missing stages: %v", saw)
	}

	sendJSON(t, conn, map[string]any{"type": "stop"})
}

func TestAuthReplayRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := mintToken(t, "call-replay")

	first := dialCall(t, ts, "call-replay")
	sendJSON(t, first, map[string]any{"type": "auth", "jwt": token})
	if frame := readFrame(t, first); frame["type"] != "connected" {
		t.Fatalf("first connection rejected: %v", frame)
	}
	first.Close(websocket.StatusNormalClosure, "")

	second := dialCall(t, ts, "call-replay")
	defer second.Close(websocket.StatusNormalClosure, "")
	sendJSON(t, second, map[string]any{"type": "auth", "jwt": token})
	expectAuthRejected(t, second)
}

func TestBadTokenRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-bad")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, map[string]any{"type": "auth", "jwt": "not.a.token"})
	expectAuthRejected(t, conn)
}

func TestTokenForOtherCallRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, map[string]any{"type": "auth", "jwt": mintToken(t, "call-b")})
	expectAuthRejected(t, conn)
}

func TestDuplicateCallRejected(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	first := dialCall(t, ts, "call-dup")
	defer first.Close(websocket.StatusNormalClosure, "")
	authenticate(t, first, "call-dup")

	deadline := time.Now().Add(time.Second)
	for srv.registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := dialCall(t, ts, "call-dup")
	defer second.Close(websocket.StatusNormalClosure, "")
	sendJSON(t, second, map[string]any{"type": "auth", "jwt": mintToken(t, "call-dup")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("duplicate call: err = %v, want close 1008", err)
	}
}

func TestMessageRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.Gateway.MsgsPerSec = 3
	})
	conn := dialCall(t, ts, "call-rate")
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-rate")

	for i := 0; i < 10; i++ {
		sendJSON(t, conn, map[string]any{"type": "ping", "timestamp": float64(i)})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == "rate_limit_exceeded" {
			if frame["limit"] != "messages_per_sec" {
				t.Fatalf("limit = %v", frame["limit"])
			}
			if retry, ok := frame["retry_after"].(float64); !ok || retry <= 0 {
				t.Fatalf("retry_after = %v", frame["retry_after"])
			}
			return
		}
	}
	t.Fatalf("no rate_limit_exceeded frame")
}

func TestBargeInAck(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-barge")
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-barge")

	sendJSON(t, conn, map[string]any{"type": "barge_in", "timestamp": 1.0})
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == "barge_in_ack" {
			return
		}
	}
	t.Fatalf("no barge_in_ack")
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-schema")
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-schema")

	sendJSON(t, conn, map[string]any{"type": "teleport"})
	if frame := readFrame(t, conn); frame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", frame)
	}

	// Connection still works afterwards.
	sendJSON(t, conn, map[string]any{"type": "ping", "timestamp": 2.0})
	for i := 0; i < 10; i++ {
		if frame := readFrame(t, conn); frame["type"] == "pong" {
			return
		}
	}
	t.Fatalf("no pong after invalid frame")
}

func TestParseClientFrame(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{"type":"ping","timestamp":1}`)); err != nil {
		t.Fatalf("valid ping rejected: %v", err)
	}
	if _, err := ParseClientFrame([]byte(`{"type":"audio_chunk"}`)); err == nil {
		t.Fatalf("audio_chunk without audio accepted")
	}
	if _, err := ParseClientFrame([]byte(`{"type":"unknown"}`)); err == nil {
		t.Fatalf("unknown type accepted")
	}
	if _, err := ParseClientFrame([]byte(`not json`)); err == nil {
		t.Fatalf("garbage accepted")
	}
}

func TestParseAuthFrameForms(t *testing.T) {
	if f, err := parseAuthFrame([]byte(`{"type":"auth","jwt":"tok"}`)); err != nil || f.JWT != "tok" {
		t.Fatalf("typed auth frame: %v %v", f, err)
	}
	if f, err := parseAuthFrame([]byte(`{"jwt":"tok"}`)); err != nil || f.JWT != "tok" {
		t.Fatalf("bare jwt frame: %v %v", f, err)
	}
	if _, err := parseAuthFrame([]byte(`{"type":"auth"}`)); err == nil {
		t.Fatalf("auth frame without jwt accepted")
	}
	if _, err := parseAuthFrame([]byte(`{"type":"ping","jwt":"tok"}`)); err == nil {
		t.Fatalf("wrong type accepted")
	}
}

func TestConnectedFrameConfig(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-config")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := authenticate(t, conn, "call-config")
	tsStr, _ := frame["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, tsStr); err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", tsStr, err)
	}
	cfgBlock, ok := frame["config"].(map[string]any)
	if !ok {
		t.Fatalf("connected frame missing config: %v", frame)
	}
	for _, key := range []string{"stt_mode", "llm_mode", "tts_mode", "feedback_prompt"} {
		if v, _ := cfgBlock[key].(string); v == "" {
			t.Fatalf("config missing %s: %v", key, cfgBlock)
		}
	}
}

func TestPongLatency(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialCall(t, ts, "call-pong")
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-pong")

	sent := float64(time.Now().UnixNano()) / 1e9
	sendJSON(t, conn, map[string]any{"type": "ping", "timestamp": sent})

	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
	latency, ok := frame["latency_ms"].(float64)
	if !ok || latency < 0 || latency > 5000 {
		t.Fatalf("latency_ms = %v", frame["latency_ms"])
	}
	if _, err := time.Parse(time.RFC3339Nano, frame["timestamp"].(string)); err != nil {
		t.Fatalf("pong timestamp: %v", err)
	}
}

func TestOversizedFrameDropped(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.Gateway.MaxFrameBytes = 256
	})
	conn := dialCall(t, ts, "call-big")
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-big")

	// Over the gate but under the transport read limit; must be dropped
	// without killing the connection. A processed barge_in would ack and
	// betray a broken gate.
	sendJSON(t, conn, map[string]any{"type": "barge_in", "timestamp": 1.0, "pad": strings.Repeat("x", 300)})

	sendJSON(t, conn, map[string]any{"type": "ping", "timestamp": 2.0})
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("expected pong after oversized frame, got %v", frame)
	}
}

func TestDevModeSkipsAuth(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.JWT.DevAllowNone = true
	})
	conn := dialCall(t, ts, "call-dev")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// No auth frame at all; the connected frame arrives directly.
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected without auth, got %v", frame)
	}
}

func TestCallerIdentityAndProfile(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.Config) {
		c.Phone.Pepper = "unit-test-pepper"
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream/call-cli?cli=015112345678&skill=IT"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{"realtime-v1"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, map[string]any{"type": "auth", "jwt": mintToken(t, "call-cli")})
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected, got %v", frame)
	}

	cs, ok := srv.registry.Get("call-cli")
	if !ok {
		t.Fatalf("session not registered")
	}
	if cs.profile != "it" {
		t.Fatalf("profile = %q, want it", cs.profile)
	}
	if len(cs.callerHash) != 64 {
		t.Fatalf("caller hash = %q, want sha256 hex", cs.callerHash)
	}
	if strings.Contains(cs.callerHash, "151123") {
		t.Fatalf("caller hash leaks the number")
	}
}

func TestForwardedForNotTrustedByDefault(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.Gateway.IPAllowlist = []string{"10.0.0.1"}
	})

	// Direct client (socket peer 127.0.0.1) claims an allowlisted address
	// via X-Forwarded-For; without a trusted proxy the header is ignored.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream/call-spoof"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	hdr.Set("X-Forwarded-For", "10.0.0.1")
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"realtime-v1"},
		HTTPHeader:   hdr,
	})
	if err == nil {
		t.Fatalf("forged X-Forwarded-For bypassed the ip allowlist")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestForwardedForHonoredBehindProxy(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.Gateway.TrustProxy = true
		c.Gateway.IPAllowlist = []string{"10.0.0.1"}
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream/call-proxied"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	hdr.Set("X-Forwarded-For", "10.0.0.1, 192.0.2.1")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"realtime-v1"},
		HTTPHeader:   hdr,
	})
	if err != nil {
		t.Fatalf("dial behind trusted proxy: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, "call-proxied")
}

func TestTimeOfDayBucket(t *testing.T) {
	cases := map[int]string{
		7: "morning", 13: "afternoon", 19: "evening", 23: "night", 3: "night",
	}
	for hour, want := range cases {
		at := time.Date(2025, 6, 1, hour, 0, 0, 0, time.Local)
		if got := timeOfDayBucket(at); got != want {
			t.Fatalf("hour %d: got %s, want %s", hour, got, want)
		}
	}
}

func TestLimiterWindows(t *testing.T) {
	l := NewLimiter(LimitConfig{ConnsPerMinute: 2, MsgsPerSecond: 2, BytesPerSecond: 100})
	defer l.Close()

	if !l.AllowConnection("1.2.3.4") || !l.AllowConnection("1.2.3.4") {
		t.Fatalf("connections under limit rejected")
	}
	if l.AllowConnection("1.2.3.4") {
		t.Fatalf("third connection in window allowed")
	}
	if !l.AllowConnection("5.6.7.8") {
		t.Fatalf("limits must be per key")
	}

	if !l.AllowBytes("c1", 60) || l.AllowBytes("c1", 60) {
		t.Fatalf("byte budget not enforced")
	}
	l.Forget("c1")
	if !l.AllowBytes("c1", 60) {
		t.Fatalf("Forget must reset the byte window")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	cs := newCallSession(context.Background(), sessionParams{
		callID: "c1", variant: "v1a", rt: realtime.NewMockSession("c1"),
	})
	if err := r.Add(cs); err != nil {
		t.Fatalf("add: %v", err)
	}
	other := newCallSession(context.Background(), sessionParams{
		callID: "c1", variant: "v1a", rt: realtime.NewMockSession("c1"),
	})
	if err := r.Add(other); err != ErrSessionExists {
		t.Fatalf("duplicate add: %v", err)
	}
	r.Remove("c1")
	if _, ok := r.Get("c1"); ok {
		t.Fatalf("removed session still present")
	}
	_, recent := r.Snapshots()
	if len(recent) != 1 {
		t.Fatalf("ended snapshot not retained")
	}
}
