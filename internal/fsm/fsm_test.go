package fsm

import (
	"sync/atomic"
	"testing"
	"time"

	"tom/gateway/internal/rl"
)

func runTurn(m *Machine) {
	m.OnSTTFinal("hallo", 0.9)
	m.OnLLMToken("Guten ")
	m.OnLLMToken("Tag")
	m.OnLLMComplete()
	m.OnTTSAudio()
	m.OnTTSAudio()
	m.OnTTSComplete()
}

func TestHappyPathTurn(t *testing.T) {
	m := New("c1", "v1a", nil)
	if m.State() != StateListening {
		t.Fatalf("initial state = %s", m.State())
	}

	m.OnSTTFinal("hallo", 0.9)
	if m.State() != StateThinking {
		t.Fatalf("after stt_final state = %s", m.State())
	}
	m.OnLLMToken("Guten ")
	if m.State() != StateSpeaking {
		t.Fatalf("after first token state = %s", m.State())
	}
	m.OnLLMToken("Tag")
	m.OnLLMComplete()
	m.OnTTSAudio()
	m.OnTTSComplete()
	if m.State() != StateListening {
		t.Fatalf("after tts_complete state = %s", m.State())
	}
}

func TestBargeInDebounce(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnSTTFinal("hallo", 0.9)
	m.OnLLMToken("tok")
	m.OnBargeIn()
	if m.State() != StateBarred {
		t.Fatalf("after barge-in state = %s", m.State())
	}
	if m.OnAudioChunk() {
		t.Fatalf("audio must be dropped in BARRED")
	}
	// Idempotent second barge-in.
	m.OnBargeIn()

	deadline := time.Now().Add(500 * time.Millisecond)
	for m.State() != StateListening {
		if time.Now().After(deadline) {
			t.Fatalf("debounce did not return to LISTENING, state = %s", m.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if m.Snapshot().BargeIns != 1 {
		t.Fatalf("barge-in count = %d, want 1 (idempotent)", m.Snapshot().BargeIns)
	}
}

func TestErrorRecovers(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnSTTFinal("hallo", 0.9)
	m.OnError("backend hiccup")
	if m.State() != StateBarred {
		t.Fatalf("after error state = %s", m.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateListening {
		if time.Now().After(deadline) {
			t.Fatalf("error hold did not release, state = %s", m.State())
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestLLMCompleteWithoutTokensIsError(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnSTTFinal("hallo", 0.9)
	m.OnLLMComplete()
	if m.State() != StateBarred {
		t.Fatalf("empty llm turn should land in BARRED, state = %s", m.State())
	}
}

func TestInvalidTransitionsIgnored(t *testing.T) {
	m := New("c1", "v1a", nil)
	// All of these are out of order in LISTENING and must be no-ops.
	m.OnLLMToken("tok")
	m.OnTTSAudio()
	m.OnTTSComplete()
	if m.State() != StateListening {
		t.Fatalf("state after invalid events = %s", m.State())
	}
	// stt_final while THINKING is ignored too.
	m.OnSTTFinal("a", 0.9)
	m.OnSTTFinal("b", 0.9)
	if m.State() != StateThinking {
		t.Fatalf("state = %s", m.State())
	}
}

func TestEndedIsAbsorbing(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnCallEnded(Outcome{})
	if m.State() != StateEnded {
		t.Fatalf("state = %s", m.State())
	}
	m.OnSTTFinal("hallo", 0.9)
	m.OnBargeIn()
	m.OnError("late")
	if m.State() != StateEnded {
		t.Fatalf("ENDED must absorb all events, state = %s", m.State())
	}
}

func TestSingleRewardEmission(t *testing.T) {
	var emissions int32
	var got rl.Signals
	m := New("c1", "v2a", func(variant string, sig rl.Signals) {
		atomic.AddInt32(&emissions, 1)
		if variant != "v2a" {
			t.Errorf("variant = %q", variant)
		}
		got = sig
	})

	runTurn(m)
	m.OnBargeIn()
	time.Sleep(150 * time.Millisecond)
	m.OnRepeat()

	m.OnCallEnded(Outcome{Resolution: true, UserRating: 4})
	m.OnCallEnded(Outcome{Resolution: true, UserRating: 4})
	m.OnCallEnded(Outcome{})

	if n := atomic.LoadInt32(&emissions); n != 1 {
		t.Fatalf("reward emitted %d times, want exactly 1", n)
	}
	if !got.Resolution || got.UserRating != 4 || got.BargeInCount != 1 || got.Repeats != 1 {
		t.Fatalf("signals = %+v", got)
	}
}

func TestBargeInLatency(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnSTTFinal("hallo", 0.9)
	m.OnLLMToken("tok")

	start := time.Now()
	m.OnBargeIn()
	if d := time.Since(start); d > 120*time.Millisecond {
		t.Fatalf("barge-in handling took %v, budget 120ms", d)
	}
	if m.OnAudioChunk() {
		t.Fatalf("tts path must be silenced immediately after barge-in")
	}
}

func TestTTSAudioFlushedWhileBarred(t *testing.T) {
	m := New("c1", "v1a", nil)
	m.OnSTTFinal("hallo", 0.9)
	m.OnLLMToken("tok")
	if !m.OnTTSAudio() {
		t.Fatalf("tts_audio in SPEAKING must be delivered")
	}
	m.OnBargeIn()
	if m.OnTTSAudio() {
		t.Fatalf("tts_audio in BARRED must be flushed, not delivered")
	}
}
