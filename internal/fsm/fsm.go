// Package fsm drives the per-call dialogue turn: LISTENING through
// THINKING and SPEAKING, barge-in handling, latency accounting, and the
// single reward emission when the call ends.
package fsm

import (
	"log"
	"strings"
	"sync"
	"time"

	"tom/gateway/internal/rl"
)

type State string

const (
	StateListening State = "LISTENING"
	StateThinking  State = "THINKING"
	StateSpeaking  State = "SPEAKING"
	StateBarred    State = "BARRED"
	StateEnded     State = "ENDED"
)

// legal transitions; everything else is ignored with a warning.
var transitions = map[State][]State{
	StateListening: {StateThinking, StateBarred, StateEnded},
	StateThinking:  {StateSpeaking, StateBarred, StateEnded},
	StateSpeaking:  {StateListening, StateBarred, StateEnded},
	StateBarred:    {StateListening, StateEnded},
}

const (
	defaultBargeDebounce = 100 * time.Millisecond
	defaultErrorHold     = time.Second
)

// Outcome carries the end-of-call result fields the dispatcher knows.
type Outcome struct {
	Resolution bool
	UserRating int
	Handover   bool
}

// RewardSink receives the one reward emission per call.
type RewardSink func(variant string, sig rl.Signals)

// Machine is the per-call state machine. All event methods are safe for
// concurrent use; the caller funnels session events through one pump so
// ordering is preserved.
type Machine struct {
	mu      sync.Mutex
	callID  string
	variant string
	state   State
	started time.Time

	sttText    string
	sttConf    float64
	tokens     int
	response   strings.Builder
	ttsFrames  int
	tSTT       time.Time
	tFirstTok  time.Time
	tFirstAud  time.Time

	bargeIns int
	repeats  int
	lastErr  string

	bargeDebounce time.Duration
	errorHold     time.Duration

	emit        RewardSink
	rewardSent  bool
}

func New(callID, variant string, emit RewardSink) *Machine {
	return &Machine{
		callID:        callID,
		variant:       variant,
		state:         StateListening,
		started:       time.Now(),
		bargeDebounce: defaultBargeDebounce,
		errorHold:     defaultErrorHold,
		emit:          emit,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Variant() string { return m.variant }

// OnAudioChunk reports whether the frame should be forwarded downstream.
// Audio in BARRED is dropped silently.
func (m *Machine) OnAudioChunk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateListening || m.state == StateThinking || m.state == StateSpeaking
}

func (m *Machine) OnSTTFinal(text string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		log.Printf("[fsm] call=%s stt_final in state %s ignored", m.callID, m.state)
		return
	}
	m.transitionLocked(StateThinking, "stt_final")
	m.sttText = text
	m.sttConf = confidence
	m.tSTT = time.Now()
}

func (m *Machine) OnLLMToken(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateThinking:
		m.transitionLocked(StateSpeaking, "llm_token")
		m.tFirstTok = time.Now()
		fallthrough
	case StateSpeaking:
		m.tokens++
		m.response.WriteString(text)
	default:
		log.Printf("[fsm] call=%s llm_token in state %s ignored", m.callID, m.state)
	}
}

// OnLLMComplete in THINKING means the model produced nothing; that is an
// error, not a silent turn.
func (m *Machine) OnLLMComplete() {
	m.mu.Lock()
	if m.state == StateThinking && m.tokens == 0 {
		m.mu.Unlock()
		m.OnError("llm completed without tokens")
		return
	}
	if m.state != StateSpeaking {
		log.Printf("[fsm] call=%s llm_complete in state %s ignored", m.callID, m.state)
	}
	m.mu.Unlock()
}

// OnTTSAudio reports whether the frame should be delivered to the
// client. Frames arriving in BARRED are the tail of a cancelled turn and
// are flushed silently.
func (m *Machine) OnTTSAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateSpeaking:
		if m.ttsFrames == 0 {
			m.tFirstAud = time.Now()
		}
		m.ttsFrames++
		return true
	case StateBarred:
		return false
	default:
		log.Printf("[fsm] call=%s tts_audio in state %s ignored", m.callID, m.state)
		return false
	}
}

func (m *Machine) OnTTSComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking {
		log.Printf("[fsm] call=%s tts_complete in state %s ignored", m.callID, m.state)
		return
	}
	m.transitionLocked(StateListening, "tts_complete")
	m.observeTurnLocked()
	m.resetTurnLocked()
}

// OnBargeIn interrupts the current turn. A second barge-in while already
// BARRED is idempotent and not counted again.
func (m *Machine) OnBargeIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnded {
		return
	}
	if m.state == StateBarred {
		return
	}
	m.transitionLocked(StateBarred, "barge_in")
	m.bargeIns++
	m.resetTurnLocked()
	m.scheduleReturnLocked(m.bargeDebounce)
}

func (m *Machine) OnError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnded {
		return
	}
	m.lastErr = msg
	log.Printf("[fsm] call=%s error: %s", m.callID, msg)
	if m.state != StateBarred {
		m.transitionLocked(StateBarred, "error")
	}
	m.resetTurnLocked()
	m.scheduleReturnLocked(m.errorHold)
}

// OnRepeat counts a repeated agent utterance for the reward signals.
func (m *Machine) OnRepeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeats++
}

// OnCallEnded moves to the terminal state and emits the reward exactly
// once, regardless of how often teardown paths fire.
func (m *Machine) OnCallEnded(out Outcome) {
	m.mu.Lock()
	if m.state != StateEnded {
		m.transitionLocked(StateEnded, "call_ended")
	}
	if m.rewardSent || m.emit == nil {
		m.mu.Unlock()
		return
	}
	m.rewardSent = true
	sig := rl.Signals{
		Resolution:   out.Resolution,
		UserRating:   out.UserRating,
		BargeInCount: m.bargeIns,
		Repeats:      m.repeats,
		Handover:     out.Handover,
		DurationSec:  time.Since(m.started).Seconds(),
	}
	variant := m.variant
	emit := m.emit
	m.mu.Unlock()
	emit(variant, sig)
}

// Snapshot is the monitoring view used by the admin API.
type Snapshot struct {
	CallID   string  `json:"call_id"`
	State    State   `json:"state"`
	Variant  string  `json:"policy_variant"`
	STTText  string  `json:"stt_text,omitempty"`
	STTConf  float64 `json:"stt_confidence,omitempty"`
	Response string  `json:"response,omitempty"`
	BargeIns int     `json:"barge_in_count"`
	Repeats  int     `json:"repeats"`
	LastErr  string  `json:"last_error,omitempty"`
	AgeSec   float64 `json:"age_sec"`
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := m.response.String()
	if len(resp) > 100 {
		resp = resp[:100] + "..."
	}
	return Snapshot{
		CallID:   m.callID,
		State:    m.state,
		Variant:  m.variant,
		STTText:  m.sttText,
		STTConf:  m.sttConf,
		Response: resp,
		BargeIns: m.bargeIns,
		Repeats:  m.repeats,
		LastErr:  m.lastErr,
		AgeSec:   time.Since(m.started).Seconds(),
	}
}

// scheduleReturnLocked arms the return to LISTENING after a barge-in or
// error hold. The callback re-checks state: the call may have ended.
func (m *Machine) scheduleReturnLocked(after time.Duration) {
	time.AfterFunc(after, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == StateBarred {
			m.transitionLocked(StateListening, "debounce")
		}
	})
}

func (m *Machine) transitionLocked(to State, event string) {
	allowed := false
	for _, s := range transitions[m.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		log.Printf("[fsm] call=%s invalid transition %s -> %s on %s", m.callID, m.state, to, event)
		return
	}
	metricTransitions.WithLabelValues(string(m.state), string(to)).Inc()
	m.state = to
}

func (m *Machine) observeTurnLocked() {
	if !m.tSTT.IsZero() && !m.tFirstTok.IsZero() {
		ms := float64(m.tFirstTok.Sub(m.tSTT).Milliseconds())
		metricStageLatency.WithLabelValues("stt_to_llm").Observe(ms)
	}
	if !m.tFirstTok.IsZero() && !m.tFirstAud.IsZero() {
		ms := float64(m.tFirstAud.Sub(m.tFirstTok).Milliseconds())
		metricStageLatency.WithLabelValues("llm_to_tts").Observe(ms)
	}
	if !m.tSTT.IsZero() && !m.tFirstAud.IsZero() {
		ms := float64(m.tFirstAud.Sub(m.tSTT).Milliseconds())
		metricStageLatency.WithLabelValues("e2e").Observe(ms)
		metricE2ELatency.Observe(ms)
		log.Printf("[fsm] call=%s turn done e2e=%.0fms", m.callID, ms)
	}
}

func (m *Machine) resetTurnLocked() {
	m.sttText = ""
	m.sttConf = 0
	m.tokens = 0
	m.response.Reset()
	m.ttsFrames = 0
	m.tSTT = time.Time{}
	m.tFirstTok = time.Time{}
	m.tFirstAud = time.Time{}
}
