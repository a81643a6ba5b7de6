package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tom/gateway/internal/audio"
)

// VAD tuning for the local pipeline: speech starts after three consecutive
// 20ms frames above threshold, an utterance ends after 500ms of silence.
const (
	vadThresholdRMS = 300.0
	vadMinStart     = 3
	vadHangover     = 25
	maxBufferFrames = 500 // 10s of audio per utterance
)

// LocalSession runs the on-prem pipeline in process: RMS VAD over inbound
// audio, whisper STT, ollama LLM streaming, piper TTS.
type LocalSession struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	callID string
	events chan Event
	closed bool

	buf          []byte
	speaking     bool
	consecSpeech int
	nonSpeech    int

	turnCancel context.CancelFunc

	stt *WhisperClient
	llm *OllamaStreamer
	tts *PiperSpeaker
}

func NewLocalSession(cfg Config, callID string) *LocalSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalSession{
		ctx:    ctx,
		cancel: cancel,
		callID: callID,
		events: make(chan Event, 64),
		stt:    NewWhisperClient(cfg.WhisperURL, cfg.Language),
		llm:    NewOllamaStreamer(cfg.OllamaURL, cfg.LLMModel),
		tts:    NewPiperSpeaker(cfg.PiperPath, cfg.PiperVoice),
	}
}

func (s *LocalSession) Open(_ context.Context) error {
	metricBackend.WithLabelValues(BackendLocal).Set(1)
	log.Printf("[realtime] local session open call=%s", s.callID)
	return nil
}

// SendAudio buffers the frame and advances the VAD. End of utterance
// kicks off the STT->LLM->TTS turn.
func (s *LocalSession) SendAudio(_ context.Context, pcm []byte, _ float64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.buf = append(s.buf, pcm...)
	if overflow := len(s.buf) - maxBufferFrames*audio.FrameBytes; overflow > 0 {
		s.buf = s.buf[overflow:]
	}

	rms := audio.RMS(pcm)
	var utterance []byte
	if !s.speaking {
		if rms >= vadThresholdRMS {
			s.consecSpeech++
			if s.consecSpeech >= vadMinStart {
				s.speaking = true
				s.nonSpeech = 0
				s.emitLocked(stamp(Event{Type: EventSTTStarted, Provider: BackendLocal}))
			}
		} else {
			s.consecSpeech = 0
		}
	} else if rms < vadThresholdRMS {
		s.nonSpeech++
		if s.nonSpeech >= vadHangover {
			s.speaking = false
			s.consecSpeech = 0
			s.nonSpeech = 0
			utterance = s.buf
			s.buf = nil
			s.emitLocked(stamp(Event{Type: EventSTTStopped, Provider: BackendLocal}))
		}
	} else {
		s.nonSpeech = 0
	}
	s.mu.Unlock()

	if utterance != nil {
		s.startTurn(utterance)
	}
	return nil
}

// SendEvent handles control commands; an input buffer commit forces STT on
// whatever audio is buffered.
func (s *LocalSession) SendEvent(_ context.Context, payload map[string]any) error {
	typ, _ := payload["type"].(string)
	switch typ {
	case "input_audio_buffer.commit":
		s.mu.Lock()
		utterance := s.buf
		s.buf = nil
		s.speaking = false
		s.consecSpeech = 0
		s.nonSpeech = 0
		s.mu.Unlock()
		if len(utterance) > 0 {
			s.startTurn(utterance)
		}
		return nil
	case "response.create":
		return nil
	default:
		log.Printf("[realtime] local ignoring control event %q call=%s", typ, s.callID)
		return nil
	}
}

func (s *LocalSession) Events() <-chan Event { return s.events }

// Cancel aborts the running turn and flushes buffered audio.
func (s *LocalSession) Cancel(_ context.Context) error {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.buf = nil
	s.speaking = false
	s.consecSpeech = 0
	s.nonSpeech = 0
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		log.Printf("[realtime] local turn cancelled call=%s", s.callID)
	}
	return nil
}

func (s *LocalSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	s.cancel()
	metricBackend.WithLabelValues(BackendLocal).Set(0)
	return nil
}

// startTurn runs one STT->LLM->TTS pass for a finished utterance. A new
// turn replaces any still-running one.
func (s *LocalSession) startTurn(utterance []byte) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.runTurn(turnCtx, utterance)
}

func (s *LocalSession) runTurn(ctx context.Context, utterance []byte) {
	text, confidence, err := s.stt.Transcribe(ctx, utterance)
	if err != nil {
		if ctx.Err() == nil {
			s.emit(stamp(Event{Type: EventError, Error: "stt: " + err.Error(), Provider: BackendLocal}))
		}
		return
	}
	if text == "" {
		return
	}
	s.emit(stamp(Event{Type: EventSTTFinal, Text: text, Confidence: confidence, Provider: BackendLocal}))

	s.emit(stamp(Event{Type: EventLLMStarted, Provider: BackendLocal}))
	response, err := s.llm.Stream(ctx, text, func(token string) {
		s.emit(stamp(Event{Type: EventLLMToken, Text: token, Provider: BackendLocal}))
	})
	if err != nil {
		if ctx.Err() == nil {
			s.emit(stamp(Event{Type: EventError, Error: "llm: " + err.Error(), Provider: BackendLocal}))
		}
		return
	}
	s.emit(stamp(Event{Type: EventLLMComplete, Provider: BackendLocal}))

	err = s.tts.Synthesize(ctx, response, func(frame []byte) {
		s.emit(stamp(Event{Type: EventTTSAudio, Audio: audio.EncodeFrame(frame), Codec: "pcm16", Provider: BackendLocal}))
	})
	if err != nil {
		if ctx.Err() == nil {
			s.emit(stamp(Event{Type: EventError, Error: "tts: " + err.Error(), Provider: BackendLocal}))
		}
		return
	}
	if ctx.Err() == nil {
		s.emit(stamp(Event{Type: EventTTSComplete, Provider: BackendLocal}))
	}
}

func (s *LocalSession) emit(e Event) {
	s.mu.Lock()
	s.emitLocked(e)
	s.mu.Unlock()
}

func (s *LocalSession) emitLocked(e Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		// drop if slow consumer
	}
}
