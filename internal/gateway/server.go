// Package gateway terminates caller WebSocket connections: it gates them
// through the network and auth checks, picks a policy variant for the
// call, bridges audio to the realtime backend and feeds the reward loop
// when the call ends.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"tom/gateway/internal/auth"
	"tom/gateway/internal/config"
	"tom/gateway/internal/feedback"
	"tom/gateway/internal/realtime"
	"tom/gateway/internal/rl"
)

const (
	authTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second

	// pause forced on a client that trips the message-rate gate
	rateLimitBackoff = 100 * time.Millisecond
)

// Server handles /ws/stream/{call_id}.
type Server struct {
	cfg      config.Config
	limiter  *Limiter
	registry *Registry
	verifier *auth.Verifier
	hasher   *auth.Hasher
	guard    *rl.Guard
	bandit   *rl.Bandit
	calc     *rl.RewardCalculator

	// newSession is swappable so tests can run against the mock backend.
	newSession func(callID string) (realtime.Session, error)
}

// NewServer wires the gateway. verifier may be nil only when
// DEV_ALLOW_NO_JWT is set; hasher may be nil when no phone pepper is
// configured, which disables caller identity entirely.
func NewServer(cfg config.Config, verifier *auth.Verifier, hasher *auth.Hasher, guard *rl.Guard, bandit *rl.Bandit) *Server {
	limits := LimitConfig{
		ConnsPerMinute: cfg.Gateway.ConnPerMin,
		MsgsPerSecond:  cfg.Gateway.MsgsPerSec,
		BytesPerSecond: cfg.Gateway.BytesPerSec,
	}
	s := &Server{
		cfg:      cfg,
		limiter:  NewLimiter(limits),
		registry: NewRegistry(),
		verifier: verifier,
		hasher:   hasher,
		guard:    guard,
		bandit:   bandit,
		calc:     rl.NewRewardCalculator(rl.DefaultRewardConfig()),
	}
	s.newSession = func(callID string) (realtime.Session, error) {
		return realtime.New(realtimeConfig(cfg), callID)
	}
	return s
}

func realtimeConfig(cfg config.Config) realtime.Config {
	return realtime.Config{
		Backend:        cfg.Realtime.Backend,
		AllowEgress:    cfg.Realtime.AllowEgress,
		FallbackPolicy: cfg.Realtime.FallbackPolicy,
		ProviderURL:    cfg.Realtime.ProviderURL,
		ProviderKey:    cfg.Realtime.ProviderKey,
		ProviderModel:  cfg.Realtime.ProviderModel,
		Language:       cfg.Realtime.Language,
		ErrorBurst:     cfg.Realtime.ErrorBurst,
		ErrorWindow:    time.Duration(cfg.Realtime.ErrorWindowSec) * time.Second,
		TriggerP95:     cfg.Realtime.TriggerP95MS,
		Cooldown:       time.Duration(cfg.Realtime.CooldownSec) * time.Second,
		OllamaURL:      cfg.Realtime.OllamaURL,
		LLMModel:       cfg.Realtime.LLMModel,
		WhisperURL:     cfg.Realtime.WhisperURL,
		PiperPath:      cfg.Realtime.PiperPath,
		PiperVoice:     cfg.Realtime.PiperVoice,
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Shutdown() {
	s.limiter.Close()
	s.registry.Close()
}

// HandleStream runs the full connection lifecycle. Gates fire in order:
// IP allowlist, Origin allowlist, connection rate, upgrade, auth, then
// the per-message limits inside the read loop.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	// /ws/stream/{call_id}
	callID := strings.TrimPrefix(r.URL.Path, "/ws/stream/")
	if callID == r.URL.Path || callID == "" || len(callID) > 100 || strings.Contains(callID, "/") {
		s.reject(w, http.StatusBadRequest, "invalid call_id")
		return
	}

	ip := clientIP(r, s.cfg.Gateway.TrustProxy)
	if !allowedIn(ip, s.cfg.Gateway.IPAllowlist) {
		s.reject(w, http.StatusForbidden, "ip not allowed")
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !allowedIn(origin, s.cfg.Gateway.OriginAllowlist) {
		s.reject(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if !s.limiter.AllowConnection(ip) {
		metricRateLimited.WithLabelValues("connection_rate").Inc()
		s.reject(w, http.StatusTooManyRequests, "connection rate exceeded")
		return
	}

	cli := r.URL.Query().Get("cli")
	skill := r.URL.Query().Get("skill")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{"realtime-v1"},
		InsecureSkipVerify: true, // origin is checked above against the allowlist
	})
	if err != nil {
		log.Printf("[gateway] call=%s upgrade failed: %v", callID, err)
		return
	}
	metricHTTPResponses.WithLabelValues("101").Inc()

	s.serve(r.Context(), conn, callID, ip, cli, skill)
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, callID, ip, cli, skill string) {
	maxFrame := s.cfg.Gateway.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 64 * 1024
	}
	// Oversized frames are dropped by our own gate; the hard transport
	// limit sits above it so the gate gets to see them.
	conn.SetReadLimit(int64(2 * maxFrame))

	if err := s.authenticate(ctx, conn, callID); err != nil {
		log.Printf("[gateway] call=%s ip=%s auth failed: %v", callID, ip, err)
		writeControl(conn, authErrorFrame("authentication failed"))
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	callerHash, callerMasked := s.callerIdentity(cli)
	profile := feedback.NormalizeProfile(skill)

	variant := s.guard.SelectForDeployment(map[string]any{
		"call_id":     callID,
		"profile":     profile,
		"time_of_day": timeOfDayBucket(time.Now()),
	})

	rt, err := s.newSession(callID)
	if err != nil {
		log.Printf("[gateway] call=%s backend init: %v", callID, err)
		conn.Close(websocket.StatusInternalError, "backend unavailable")
		return
	}

	var cs *CallSession
	cs = newCallSession(ctx, sessionParams{
		callID:     callID,
		variant:    variant,
		profile:    profile,
		callerHash: callerHash,
		conn:       conn,
		rt:         rt,
		emit: func(v string, sig rl.Signals) {
			s.emitReward(cs, v, sig)
		},
		bufFrames:  s.cfg.Gateway.AudioBufFrames,
		jitterWarn: float64(s.cfg.Gateway.JitterWarnMS) / 1000,
	})
	if err := s.registry.Add(cs); err != nil {
		log.Printf("[gateway] call=%s duplicate connection rejected", callID)
		rt.Close()
		conn.Close(websocket.StatusPolicyViolation, "call already connected")
		return
	}

	if err := rt.Open(ctx); err != nil {
		log.Printf("[gateway] call=%s backend open: %v", callID, err)
		s.registry.Remove(callID)
		rt.Close()
		conn.Close(websocket.StatusInternalError, "backend unavailable")
		return
	}

	backend := s.cfg.Realtime.Backend
	if fo, ok := rt.(*realtime.FailoverSession); ok {
		backend = fo.Backend()
	}
	cs.writeJSON(connectedFrame(callID, variant, backend, s.sessionModes(backend, variant)))
	cs.start()
	log.Printf("[gateway] call=%s connected ip=%s caller=%s profile=%s variant=%s backend=%s",
		callID, ip, callerMasked, profile, variant, backend)

	s.readLoop(cs, maxFrame)

	cs.cancel()
	rt.Close()
	cs.wg.Wait()
	cs.machine.OnCallEnded(cs.outcome())
	s.registry.Remove(callID)
	s.limiter.Forget(callID)
	conn.Close(websocket.StatusNormalClosure, "call ended")
	log.Printf("[gateway] call=%s disconnected", callID)
}

// authenticate reads the first frame and verifies the call token. The
// client has authTimeout to produce it. With DEV_ALLOW_NO_JWT the frame
// is not read at all.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, callID string) error {
	if s.cfg.JWT.DevAllowNone {
		log.Printf("[gateway] call=%s accepted without token (dev mode)", callID)
		return nil
	}
	if s.verifier == nil {
		return fmt.Errorf("no verifier configured")
	}

	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.Read(actx)
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}
	frame, err := parseAuthFrame(data)
	if err != nil {
		return err
	}
	if _, err := s.verifier.Verify(actx, frame.JWT, callID); err != nil {
		return err
	}
	return nil
}

// callerIdentity hashes the caller number when both a number and a
// pepper are present. The raw number is never logged or stored; a
// hashing failure degrades to an anonymous caller.
func (s *Server) callerIdentity(cli string) (hash, masked string) {
	if cli == "" || s.hasher == nil {
		return "", ""
	}
	ph, err := s.hasher.Hash(cli)
	if err != nil {
		log.Printf("[gateway] cli unparseable, caller stays anonymous: %v", err)
		return "", ""
	}
	return ph.Value, s.hasher.Mask(cli)
}

// sessionModes fills the connected-frame config block.
func (s *Server) sessionModes(backend, variant string) map[string]any {
	modes := map[string]any{"feedback_prompt": feedback.Prompt(variant)}
	switch backend {
	case realtime.BackendLocal:
		modes["stt_mode"] = "whisper"
		modes["llm_mode"] = "ollama"
		modes["tts_mode"] = "piper"
	case realtime.BackendProvider:
		modes["stt_mode"] = "provider"
		modes["llm_mode"] = "provider"
		modes["tts_mode"] = "provider"
	default:
		modes["stt_mode"] = backend
		modes["llm_mode"] = backend
		modes["tts_mode"] = backend
	}
	return modes
}

func (s *Server) readLoop(cs *CallSession, maxFrame int) {
	idle := time.Duration(s.cfg.Gateway.IdleTimeoutSec) * time.Second
	if idle <= 0 {
		idle = 30 * time.Second
	}

	for {
		rctx, cancel := context.WithTimeout(cs.ctx, idle)
		_, data, err := cs.conn.Read(rctx)
		cancel()
		if err != nil {
			if cs.ctx.Err() == nil && rctx.Err() == context.DeadlineExceeded {
				log.Printf("[gateway] call=%s idle timeout", cs.callID)
			}
			return
		}

		// Size gate: the frame is dropped, not the connection.
		if len(data) > maxFrame {
			metricRateLimited.WithLabelValues("frame_size").Inc()
			log.Printf("[gateway] call=%s frame of %d bytes dropped (max %d)", cs.callID, len(data), maxFrame)
			continue
		}
		if !s.limiter.AllowMessage(cs.callID) {
			metricRateLimited.WithLabelValues("messages_per_sec").Inc()
			cs.writeJSON(rateLimitFrame("messages_per_sec", 1))
			time.Sleep(rateLimitBackoff)
			continue
		}
		if !s.limiter.AllowBytes(cs.callID, len(data)) {
			metricRateLimited.WithLabelValues("bytes_per_sec").Inc()
			cs.writeJSON(rateLimitFrame("bytes_per_sec", 1))
			continue
		}

		frame, err := ParseClientFrame(data)
		if err != nil {
			metricRateLimited.WithLabelValues("schema").Inc()
			cs.writeJSON(errorFrame("invalid_frame"))
			continue
		}

		switch frame.Type {
		case frameAudio:
			cs.handleAudio(frame)
		case frameBargeIn:
			cs.handleBargeIn()
		case framePing:
			cs.writeJSON(pongFrame(frame.Timestamp))
		case frameStop:
			cs.handleStop()
			return
		}
	}
}

// emitReward is the single reward sink: build the feedback event, log
// it, and feed the bandit.
func (s *Server) emitReward(cs *CallSession, variant string, sig rl.Signals) {
	reward := s.calc.Reward(sig)

	ev := feedback.Event{
		CallID:        cs.callID,
		Agent:         "tom",
		Profile:       cs.profile,
		PolicyVariant: variant,
		Signals:       sig,
		Timestamp:     time.Now().UTC(),
	}
	if err := ev.Validate(); err != nil {
		log.Printf("[gateway] call=%s feedback event rejected: %v", cs.callID, err)
	} else {
		log.Printf("[gateway] feedback call=%s profile=%s variant=%s reward=%.3f rating=%d barge_ins=%d repeats=%d duration=%.0fs",
			ev.CallID, ev.Profile, variant, reward, sig.UserRating, sig.BargeInCount, sig.Repeats, sig.DurationSec)
	}

	s.bandit.Update(variant, reward)
	s.guard.Flush()
}

func (s *Server) reject(w http.ResponseWriter, code int, msg string) {
	metricHTTPResponses.WithLabelValues(fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}

// writeControl sends a best-effort frame outside any CallSession, used
// on paths where the session does not exist yet.
func writeControl(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// clientIP identifies the peer for the IP gates. X-Forwarded-For is only
// honored when a fronting proxy is explicitly configured; a direct client
// can set that header to anything.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allowedIn treats an empty allowlist as allow-all.
func allowedIn(value string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if value == a {
			return true
		}
	}
	return false
}

func timeOfDayBucket(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "night"
	}
}
