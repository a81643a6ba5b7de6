// Package realtime abstracts the STT+LLM+TTS pipeline behind one session
// interface with two backends: a cloud realtime provider and the local
// on-prem pipeline. A failover wrapper cuts over from provider to local
// when the provider misbehaves.
package realtime

import (
	"context"
	"fmt"
	"time"
)

// Backend names as they appear in config and metrics labels.
const (
	BackendLocal    = "local"
	BackendProvider = "provider"
	BackendMock     = "mock"
)

// Event is the unified event vocabulary every backend maps into. One
// struct covers all types; unused fields stay empty on the wire.
type Event struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Audio      string  `json:"audio,omitempty"`
	Codec      string  `json:"codec,omitempty"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
	Provider   string  `json:"provider,omitempty"`

	// Playback decoration, set by the gateway on outbound tts frames.
	SampleRate  int `json:"sample_rate,omitempty"`
	FrameSizeMS int `json:"frame_size_ms,omitempty"`
	FrameNumber int `json:"frame_number,omitempty"`
	TotalFrames int `json:"total_frames,omitempty"`
}

const (
	EventSTTStarted  = "stt_started"
	EventSTTStopped  = "stt_stopped"
	EventSTTFinal    = "stt_final"
	EventLLMStarted  = "llm_started"
	EventLLMToken    = "llm_token"
	EventLLMComplete = "llm_complete"
	EventTTSAudio    = "tts_audio"
	EventTTSComplete = "tts_complete"
	EventError       = "provider_error"
	EventSessionUpd  = "session_updated"
)

func stamp(e Event) Event {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return e
}

// Session is one call's connection to a realtime backend. Events are
// delivered on a single channel in emission order; the channel closes
// when the session ends.
type Session interface {
	Open(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte, timestamp float64) error
	SendEvent(ctx context.Context, payload map[string]any) error
	Events() <-chan Event
	Cancel(ctx context.Context) error
	Close() error
}

// Config is the backend wiring for one process, filled from the global
// configuration in main.
type Config struct {
	Backend        string
	AllowEgress    bool
	FallbackPolicy string

	ProviderURL   string
	ProviderKey   string
	ProviderModel string
	Language      string

	ErrorBurst  int
	ErrorWindow time.Duration
	TriggerP95  float64
	Cooldown    time.Duration

	OllamaURL  string
	LLMModel   string
	WhisperURL string
	PiperPath  string
	PiperVoice string
}

// New builds the session for a call. Provider egress must be explicitly
// allowed; otherwise the local pipeline is used regardless of backend
// selection. With a local fallback policy the provider is wrapped in the
// failover decorator.
func New(cfg Config, callID string) (Session, error) {
	backend := cfg.Backend
	if backend == BackendProvider && !cfg.AllowEgress {
		backend = BackendLocal
	}
	switch backend {
	case BackendLocal:
		return NewLocalSession(cfg, callID), nil
	case BackendMock:
		return NewMockSession(callID), nil
	case BackendProvider:
		provider := NewProviderSession(cfg, callID)
		if cfg.FallbackPolicy == BackendLocal || cfg.FallbackPolicy == "provider_then_local" {
			return NewFailoverSession(cfg, callID, provider, func() Session {
				return NewLocalSession(cfg, callID)
			}), nil
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown realtime backend %q", cfg.Backend)
	}
}
