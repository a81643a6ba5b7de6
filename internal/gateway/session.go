package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"tom/gateway/internal/audio"
	"tom/gateway/internal/feedback"
	"tom/gateway/internal/fsm"
	"tom/gateway/internal/realtime"
)

// Defaults for the inbound queue (one second of audio, drop-oldest) and
// the client jitter warning threshold.
const (
	defaultAudioBufFrames = 50
	defaultJitterWarnSec  = 0.2
)

// Playback parameters stamped on outbound tts frames.
const (
	playbackSampleRateHz = 16000
	playbackFrameMS      = 20
)

// sessionParams collects everything a CallSession needs at construction.
type sessionParams struct {
	callID     string
	variant    string
	profile    string
	callerHash string
	conn       *websocket.Conn
	rt         realtime.Session
	emit       fsm.RewardSink
	bufFrames  int
	jitterWarn float64
}

// CallSession ties one WebSocket connection to its realtime backend and
// dialogue state machine.
type CallSession struct {
	callID     string
	variant    string
	profile    string
	callerHash string
	conn       *websocket.Conn
	rt         realtime.Session
	machine    *fsm.Machine

	audioQ     chan queuedFrame
	jitterWarn float64

	mu             sync.Mutex
	writeMu        sync.Mutex
	lastTS         float64
	lastTranscript string
	turnsDone      int
	stopped        bool

	// per-turn tts bookkeeping and repeat detection, pumpLoop only
	ttsFrameNo   int
	curResponse  strings.Builder
	lastResponse string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queuedFrame struct {
	pcm []byte
	ts  float64
}

func newCallSession(parent context.Context, p sessionParams) *CallSession {
	if p.bufFrames <= 0 {
		p.bufFrames = defaultAudioBufFrames
	}
	if p.jitterWarn <= 0 {
		p.jitterWarn = defaultJitterWarnSec
	}
	ctx, cancel := context.WithCancel(parent)
	return &CallSession{
		callID:     p.callID,
		variant:    p.variant,
		profile:    p.profile,
		callerHash: p.callerHash,
		conn:       p.conn,
		rt:         p.rt,
		machine:    fsm.New(p.callID, p.variant, p.emit),
		audioQ:     make(chan queuedFrame, p.bufFrames),
		jitterWarn: p.jitterWarn,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (cs *CallSession) start() {
	cs.wg.Add(2)
	go cs.uploadLoop()
	go cs.pumpLoop()
}

// handleAudio validates, gates and enqueues one inbound audio frame.
func (cs *CallSession) handleAudio(frame ClientFrame) {
	pcm, err := audio.DecodeFrame(frame.Audio)
	if err != nil {
		log.Printf("[gateway] call=%s bad audio frame: %v", cs.callID, err)
		cs.writeJSON(errorFrame("invalid_audio"))
		return
	}
	cs.mu.Lock()
	if cs.lastTS > 0 && frame.Timestamp-cs.lastTS > cs.jitterWarn {
		log.Printf("[gateway] call=%s jitter %.0fms between frames", cs.callID, (frame.Timestamp-cs.lastTS)*1000)
	}
	cs.lastTS = frame.Timestamp
	cs.mu.Unlock()

	if !cs.machine.OnAudioChunk() {
		return
	}
	cs.enqueue(queuedFrame{pcm: pcm, ts: frame.Timestamp})
}

// enqueue drops the oldest buffered frame when the queue is full so a
// stalled backend stays at most one second behind.
func (cs *CallSession) enqueue(f queuedFrame) {
	select {
	case cs.audioQ <- f:
		return
	default:
	}
	metricBackpressure.Inc()
	select {
	case <-cs.audioQ:
		metricFramesDropped.Inc()
	default:
	}
	select {
	case cs.audioQ <- f:
	default:
		metricFramesDropped.Inc()
	}
}

func (cs *CallSession) handleBargeIn() {
	cs.machine.OnBargeIn()
	if err := cs.rt.Cancel(cs.ctx); err != nil {
		log.Printf("[gateway] call=%s cancel failed: %v", cs.callID, err)
	}
	cs.writeJSON(bargeInAckFrame())
}

func (cs *CallSession) handleStop() {
	cs.mu.Lock()
	cs.stopped = true
	cs.mu.Unlock()
	cs.cancel()
}

func (cs *CallSession) uploadLoop() {
	defer cs.wg.Done()
	for {
		select {
		case <-cs.ctx.Done():
			return
		case f := <-cs.audioQ:
			if err := cs.rt.SendAudio(cs.ctx, f.pcm, f.ts); err != nil {
				if cs.ctx.Err() != nil {
					return
				}
				log.Printf("[gateway] call=%s send audio: %v", cs.callID, err)
			}
		}
	}
}

// pumpLoop is the single consumer of backend events: it drives the state
// machine and mirrors each event to the client. tts frames get playback
// decoration; frames flushed after a barge-in are not delivered.
func (cs *CallSession) pumpLoop() {
	defer cs.wg.Done()
	for ev := range cs.rt.Events() {
		switch ev.Type {
		case realtime.EventSTTFinal:
			cs.machine.OnSTTFinal(ev.Text, ev.Confidence)
			cs.mu.Lock()
			cs.lastTranscript = ev.Text
			cs.mu.Unlock()
		case realtime.EventLLMToken:
			cs.machine.OnLLMToken(ev.Text)
			cs.curResponse.WriteString(ev.Text)
		case realtime.EventLLMComplete:
			cs.machine.OnLLMComplete()
		case realtime.EventTTSAudio:
			if !cs.machine.OnTTSAudio() {
				continue
			}
			cs.ttsFrameNo++
			ev.FrameNumber = cs.ttsFrameNo
			ev.SampleRate = playbackSampleRateHz
			ev.FrameSizeMS = playbackFrameMS
			metricFramesSent.Inc()
		case realtime.EventTTSComplete:
			cs.machine.OnTTSComplete()
			ev.TotalFrames = cs.ttsFrameNo
			cs.finishTurn()
		case realtime.EventError:
			cs.machine.OnError(ev.Error)
		}
		cs.writeEvent(ev)
	}
	// Backend gone; unblock the read loop so teardown runs.
	cs.cancel()
}

// finishTurn closes out per-turn bookkeeping: counts the turn and checks
// whether the agent said the same thing twice in a row.
func (cs *CallSession) finishTurn() {
	resp := strings.TrimSpace(cs.curResponse.String())
	cs.curResponse.Reset()
	cs.ttsFrameNo = 0
	if resp != "" && resp == cs.lastResponse {
		log.Printf("[gateway] call=%s repeated response detected", cs.callID)
		cs.machine.OnRepeat()
	}
	cs.lastResponse = resp

	cs.mu.Lock()
	cs.turnsDone++
	cs.mu.Unlock()
}

// outcome derives the end-of-call result. A rating is recognised when
// the final transcript parses as one.
func (cs *CallSession) outcome() fsm.Outcome {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rating, _ := feedback.ParseRating(cs.lastTranscript)
	return fsm.Outcome{
		Resolution: cs.stopped && cs.turnsDone > 0,
		UserRating: rating,
	}
}

func (cs *CallSession) writeEvent(ev realtime.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	cs.write(data)
}

func (cs *CallSession) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	cs.write(data)
}

func (cs *CallSession) write(data []byte) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := cs.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("[gateway] call=%s write: %v", cs.callID, err)
	}
}
