package gateway

import (
	"errors"
	"sync"
	"time"

	"tom/gateway/internal/fsm"
)

// ErrSessionExists is returned when a second connection claims an active
// call ID.
var ErrSessionExists = errors.New("session already exists for call_id")

const endedRetention = 5 * time.Minute

type endedRecord struct {
	snapshot fsm.Snapshot
	endedAt  time.Time
}

// Registry tracks at most one live session per call ID and retains a
// short-lived snapshot of ended calls for the admin surface.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	ended    map[string]endedRecord
	done     chan struct{}
	once     sync.Once
}

func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*CallSession),
		ended:    make(map[string]endedRecord),
		done:     make(chan struct{}),
	}
	go r.purge()
	return r
}

func (r *Registry) Add(cs *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[cs.callID]; ok {
		return ErrSessionExists
	}
	r.sessions[cs.callID] = cs
	metricCallsActive.Set(float64(len(r.sessions)))
	return nil
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sessions[callID]
	return cs, ok
}

// Remove deregisters the session and parks its final snapshot for the
// retention window. The active-calls gauge tracks the map size, so it
// can never go negative.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sessions[callID]
	if !ok {
		return
	}
	delete(r.sessions, callID)
	metricCallsActive.Set(float64(len(r.sessions)))
	r.ended[callID] = endedRecord{snapshot: cs.machine.Snapshot(), endedAt: time.Now()}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots returns the monitoring view of live and recently ended calls.
func (r *Registry) Snapshots() (live, recent []fsm.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cs := range r.sessions {
		live = append(live, cs.machine.Snapshot())
	}
	for _, rec := range r.ended {
		recent = append(recent, rec.snapshot)
	}
	return live, recent
}

func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) purge() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-endedRetention)
			r.mu.Lock()
			for id, rec := range r.ended {
				if rec.endedAt.Before(cutoff) {
					delete(r.ended, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
