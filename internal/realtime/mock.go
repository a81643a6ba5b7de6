package realtime

import (
	"context"
	"sync"

	"tom/gateway/internal/audio"
)

// mockTurnFrames is how much audio the mock collects before it answers.
const mockTurnFrames = 50

// MockSession is the dev-mode backend: it needs no external services and
// produces a canned turn after every 50 audio frames or an explicit
// buffer commit. Also used by gateway tests.
type MockSession struct {
	mu        sync.Mutex
	callID    string
	events    chan Event
	closed    bool
	frames    int
	cancelled bool
}

func NewMockSession(callID string) *MockSession {
	return &MockSession{
		callID: callID,
		events: make(chan Event, 64),
	}
}

func (m *MockSession) Open(_ context.Context) error {
	metricBackend.WithLabelValues(BackendMock).Set(1)
	return nil
}

func (m *MockSession) SendAudio(_ context.Context, _ []byte, _ float64) error {
	m.mu.Lock()
	m.frames++
	run := m.frames >= mockTurnFrames
	if run {
		m.frames = 0
		m.cancelled = false
	}
	m.mu.Unlock()
	if run {
		m.playTurn()
	}
	return nil
}

func (m *MockSession) SendEvent(_ context.Context, payload map[string]any) error {
	if t, _ := payload["type"].(string); t == "input_audio_buffer.commit" {
		m.mu.Lock()
		m.frames = 0
		m.cancelled = false
		m.mu.Unlock()
		m.playTurn()
	}
	return nil
}

func (m *MockSession) Events() <-chan Event { return m.events }

func (m *MockSession) Cancel(_ context.Context) error {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
	return nil
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
		metricBackend.WithLabelValues(BackendMock).Set(0)
	}
	return nil
}

func (m *MockSession) playTurn() {
	m.emit(stamp(Event{Type: EventSTTFinal, Text: "Hallo, ich habe eine Frage.", Confidence: 0.95, Provider: BackendMock}))
	for _, tok := range []string{"Gerne, ", "wie ", "kann ", "ich ", "helfen?"} {
		if m.isCancelled() {
			return
		}
		m.emit(stamp(Event{Type: EventLLMToken, Text: tok, Provider: BackendMock}))
	}
	m.emit(stamp(Event{Type: EventLLMComplete, Provider: BackendMock}))
	for i := 0; i < 5; i++ {
		if m.isCancelled() {
			return
		}
		m.emit(stamp(Event{Type: EventTTSAudio, Audio: audio.EncodeFrame(audio.Silence(1)), Codec: "pcm16", Provider: BackendMock}))
	}
	m.emit(stamp(Event{Type: EventTTSComplete, Provider: BackendMock}))
}

func (m *MockSession) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *MockSession) emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.cancelled && e.Type == EventTTSAudio {
		return
	}
	select {
	case m.events <- e:
	default:
	}
}
