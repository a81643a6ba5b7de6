package realtime

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

const latencyWindow = 100

// FailoverSession fronts a provider session and cuts over to the local
// pipeline when the provider degrades: an error burst, a sustained p95
// latency breach, or a failed open. There is no automatic return; once on
// local the call stays there.
type FailoverSession struct {
	mu     sync.Mutex
	cfg    Config
	callID string

	current  Session
	backend  string
	newLocal func() Session

	out       chan Event
	closed    bool
	switching bool

	errTimes     []time.Time
	latencies    []float64
	turnSTT      time.Time
	lastFailover time.Time
}

func NewFailoverSession(cfg Config, callID string, provider Session, newLocal func() Session) *FailoverSession {
	return &FailoverSession{
		cfg:      cfg,
		callID:   callID,
		current:  provider,
		backend:  BackendProvider,
		newLocal: newLocal,
		out:      make(chan Event, 64),
	}
}

func (f *FailoverSession) Open(ctx context.Context) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()

	if err := cur.Open(ctx); err != nil {
		log.Printf("[realtime] provider open failed call=%s, failing over: %v", f.callID, err)
		metricProviderErrors.Inc()
		if ferr := f.failover(ctx, "open_failed"); ferr != nil {
			return ferr
		}
	}
	go f.pump()
	return nil
}

func (f *FailoverSession) SendAudio(ctx context.Context, pcm []byte, ts float64) error {
	f.mu.Lock()
	cur := f.current
	backend := f.backend
	f.mu.Unlock()

	err := cur.SendAudio(ctx, pcm, ts)
	if err != nil && backend == BackendProvider {
		f.recordError(ctx)
	}
	return err
}

func (f *FailoverSession) SendEvent(ctx context.Context, payload map[string]any) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.SendEvent(ctx, payload)
}

func (f *FailoverSession) Events() <-chan Event { return f.out }

func (f *FailoverSession) Cancel(ctx context.Context) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.Cancel(ctx)
}

func (f *FailoverSession) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cur := f.current
	f.mu.Unlock()
	return cur.Close()
}

// Backend reports which backend currently serves the call.
func (f *FailoverSession) Backend() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend
}

// pump forwards events from whichever backend is current. When the
// provider's channel closes because of a cutover, the loop reattaches to
// the local session's channel.
func (f *FailoverSession) pump() {
	defer f.closeOut()
	for {
		f.mu.Lock()
		cur := f.current
		closed := f.closed
		f.mu.Unlock()
		if closed || cur == nil {
			return
		}

		for ev := range cur.Events() {
			f.mu.Lock()
			stale := f.current != cur
			f.mu.Unlock()
			if stale {
				// queued output from the abandoned provider is discarded
				continue
			}
			f.observe(ev)
			f.forward(ev)
		}

		// The channel closed: the session is over, a cutover is in flight
		// and the local channel is about to replace it, or the provider
		// stream died on its own and we cut over here.
		for {
			f.mu.Lock()
			closed := f.closed
			same := f.current == cur
			switching := f.switching
			providerDied := same && !switching && f.backend == BackendProvider
			f.mu.Unlock()
			if closed {
				return
			}
			if !same {
				break
			}
			if providerDied {
				log.Printf("[realtime] provider stream closed call=%s", f.callID)
				if err := f.failover(context.Background(), "stream_closed"); err != nil {
					return
				}
				f.mu.Lock()
				flipped := f.backend == BackendLocal
				f.mu.Unlock()
				if !flipped {
					// cooldown blocked the cutover; nothing left to pump
					return
				}
				break
			}
			if !switching {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// observe feeds the failover heuristics from the event stream.
func (f *FailoverSession) observe(ev Event) {
	f.mu.Lock()
	provider := f.backend == BackendProvider
	f.mu.Unlock()

	switch ev.Type {
	case EventError:
		if provider {
			f.recordError(context.Background())
		}
	case EventSTTFinal:
		f.mu.Lock()
		f.turnSTT = time.Now()
		f.mu.Unlock()
	case EventTTSAudio:
		f.mu.Lock()
		if !f.turnSTT.IsZero() {
			ms := float64(time.Since(f.turnSTT).Milliseconds())
			f.turnSTT = time.Time{}
			f.latencies = append(f.latencies, ms)
			if len(f.latencies) > latencyWindow {
				f.latencies = f.latencies[len(f.latencies)-latencyWindow:]
			}
			breach := provider && len(f.latencies) >= 10 && p95(f.latencies) > f.cfg.TriggerP95
			f.mu.Unlock()
			if breach {
				log.Printf("[realtime] p95 latency breach call=%s", f.callID)
				_ = f.failover(context.Background(), "latency_p95")
			}
			return
		}
		f.mu.Unlock()
	}
}

func (f *FailoverSession) recordError(ctx context.Context) {
	metricProviderErrors.Inc()
	now := time.Now()
	cutoff := now.Add(-f.cfg.ErrorWindow)

	f.mu.Lock()
	f.errTimes = append(f.errTimes, now)
	j := 0
	for _, t := range f.errTimes {
		if t.After(cutoff) {
			f.errTimes[j] = t
			j++
		}
	}
	f.errTimes = f.errTimes[:j]
	burst := len(f.errTimes) >= f.cfg.ErrorBurst
	f.mu.Unlock()

	if burst {
		log.Printf("[realtime] provider error burst call=%s (%d in %s)", f.callID, j, f.cfg.ErrorWindow)
		_ = f.failover(ctx, "error_burst")
	}
}

// failover performs the cutover to the local pipeline. Only one flip can
// happen per cooldown period, and a call already on local never flips
// again.
func (f *FailoverSession) failover(ctx context.Context, reason string) error {
	f.mu.Lock()
	if f.closed || f.backend == BackendLocal {
		f.mu.Unlock()
		return nil
	}
	if !f.lastFailover.IsZero() && time.Since(f.lastFailover) < f.cfg.Cooldown {
		f.mu.Unlock()
		return nil
	}
	old := f.current
	f.lastFailover = time.Now()
	f.switching = true
	f.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	local := f.newLocal()
	if err := local.Open(ctx); err != nil {
		f.mu.Lock()
		f.switching = false
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.current = local
	f.backend = BackendLocal
	f.switching = false
	f.errTimes = nil
	f.latencies = nil
	f.turnSTT = time.Time{}
	f.mu.Unlock()

	metricFailovers.Inc()
	metricBackend.WithLabelValues(BackendProvider).Set(0)
	metricBackend.WithLabelValues(BackendLocal).Set(1)
	log.Printf("[realtime] FAILOVER call=%s provider->local reason=%s", f.callID, reason)
	return nil
}

func (f *FailoverSession) forward(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.out <- ev:
	default:
		// drop if slow consumer
	}
}

func (f *FailoverSession) closeOut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
	}
	close(f.out)
}

func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
