package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tom/gateway/internal/audio"
)

// ProviderSession speaks the realtime WS protocol of a cloud voice API and
// maps its events into the unified vocabulary.
type ProviderSession struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	callID string
	url    string
	apiKey string
	model  string
	lang   string

	ws     *websocket.Conn
	sendQ  chan []byte
	events chan Event
	open   bool
	closed bool
}

func NewProviderSession(cfg Config, callID string) *ProviderSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProviderSession{
		ctx:    ctx,
		cancel: cancel,
		callID: callID,
		url:    cfg.ProviderURL,
		apiKey: cfg.ProviderKey,
		model:  cfg.ProviderModel,
		lang:   cfg.Language,
		sendQ:  make(chan []byte, 32),
		events: make(chan Event, 64),
	}
}

func (p *ProviderSession) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	hdr := make(http.Header)
	if p.apiKey != "" {
		hdr.Set("Authorization", "Bearer "+p.apiKey)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(dctx, p.url, &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{"realtime-v1"},
	})
	if err != nil {
		return fmt.Errorf("provider dial: %w", err)
	}
	log.Printf("[realtime] provider connected call=%s in %dms", p.callID, time.Since(start).Milliseconds())
	p.ws = ws

	if err := p.initSession(ctx); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "init failed")
		p.ws = nil
		return err
	}

	p.open = true
	metricBackend.WithLabelValues(BackendProvider).Set(1)
	go p.sendLoop()
	go p.recvLoop()
	return nil
}

// initSession pushes the session config and waits for the created ack.
func (p *ProviderSession) initSession(ctx context.Context) error {
	init := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"model":               p.model,
			"voice":               "alloy",
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"instructions":        "You are a helpful German assistant. Respond in German.",
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
		},
	}
	raw, _ := json.Marshal(init)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.ws.Write(wctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("provider init write: %w", err)
	}
	_, data, err := p.ws.Read(wctx)
	if err != nil {
		return fmt.Errorf("provider init read: %w", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("provider init parse: %w", err)
	}
	if t, _ := resp["type"].(string); t != "session.created" {
		return fmt.Errorf("provider session init failed: %v", resp["type"])
	}
	return nil
}

func (p *ProviderSession) SendAudio(_ context.Context, pcm []byte, timestamp float64) error {
	msg, _ := json.Marshal(map[string]any{
		"type":      "input_audio_buffer.append",
		"audio":     audio.EncodeFrame(pcm),
		"timestamp": timestamp,
	})
	select {
	case p.sendQ <- msg:
		return nil
	default:
		// drop-latest on congestion, same policy as the inbound leg
		return fmt.Errorf("provider send queue full")
	}
}

func (p *ProviderSession) SendEvent(_ context.Context, payload map[string]any) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case p.sendQ <- msg:
		return nil
	default:
		return fmt.Errorf("provider send queue full")
	}
}

func (p *ProviderSession) Events() <-chan Event { return p.events }

func (p *ProviderSession) Cancel(ctx context.Context) error {
	msg, _ := json.Marshal(map[string]any{
		"type": "conversation.item.participant.speech.interrupt",
	})
	select {
	case p.sendQ <- msg:
	default:
	}
	return nil
}

func (p *ProviderSession) Close() error {
	p.mu.Lock()
	wasOpen := p.open
	p.open = false
	ws := p.ws
	p.ws = nil
	p.mu.Unlock()

	p.cancel()
	if wasOpen {
		metricBackend.WithLabelValues(BackendProvider).Set(0)
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
		}
	} else {
		// recvLoop never started; close the event stream here
		p.closeEvents()
	}
	return nil
}

func (p *ProviderSession) sendLoop() {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return
	}
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.sendQ:
			wctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
			err := ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("[realtime] provider write error call=%s: %v", p.callID, err)
				p.emit(stamp(Event{Type: EventError, Error: err.Error(), Provider: BackendProvider}))
				return
			}
		}
	}
}

func (p *ProviderSession) recvLoop() {
	defer p.closeEvents()
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return
	}
	for {
		_, data, err := ws.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				log.Printf("[realtime] provider read error call=%s: %v", p.callID, err)
				p.emit(stamp(Event{Type: EventError, Error: err.Error(), Provider: BackendProvider}))
			}
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[realtime] provider bad JSON call=%s: %v", p.callID, err)
			continue
		}
		if ev, ok := mapProviderEvent(m); ok {
			p.emit(ev)
		}
	}
}

func (p *ProviderSession) emit(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- e:
	default:
		// drop if slow consumer
	}
}

func (p *ProviderSession) closeEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

// mapProviderEvent translates the provider's event names into the unified
// vocabulary. Unknown events are ignored.
func mapProviderEvent(m map[string]any) (Event, bool) {
	typ, _ := m["type"].(string)
	str := func(k string) string { s, _ := m[k].(string); return s }

	switch typ {
	case "conversation.item.input_audio_buffer.speech_started":
		return stamp(Event{Type: EventSTTStarted, Provider: BackendProvider}), true
	case "conversation.item.input_audio_buffer.speech_stopped":
		return stamp(Event{Type: EventSTTStopped, Provider: BackendProvider}), true
	case "conversation.item.input_audio_buffer.committed":
		conf := 0.95
		if c, ok := m["confidence"].(float64); ok {
			conf = c
		}
		return stamp(Event{Type: EventSTTFinal, Text: str("transcript"), Confidence: conf, Provider: BackendProvider}), true
	case "conversation.item.participant.speech_started":
		return stamp(Event{Type: EventLLMStarted, Provider: BackendProvider}), true
	case "conversation.item.participant.speech_delta":
		return stamp(Event{Type: EventLLMToken, Text: str("delta"), Provider: BackendProvider}), true
	case "conversation.item.participant.speech_stopped":
		return stamp(Event{Type: EventLLMComplete, Provider: BackendProvider}), true
	case "conversation.item.participant.audio.delta":
		return stamp(Event{Type: EventTTSAudio, Audio: str("delta"), Codec: "pcm16", Provider: BackendProvider}), true
	case "conversation.item.participant.audio.done":
		return stamp(Event{Type: EventTTSComplete, Provider: BackendProvider}), true
	case "session.updated":
		return stamp(Event{Type: EventSessionUpd, Provider: BackendProvider}), true
	case "error":
		msg, code := "unknown error", "unknown"
		if e, ok := m["error"].(map[string]any); ok {
			if s, ok := e["message"].(string); ok && s != "" {
				msg = s
			}
			if s, ok := e["code"].(string); ok && s != "" {
				code = s
			}
		}
		return stamp(Event{Type: EventError, Error: msg, Code: code, Provider: BackendProvider}), true
	}
	return Event{}, false
}
