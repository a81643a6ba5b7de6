package gateway

import (
	"sync"
	"time"
)

// LimitConfig holds the gateway's inbound rate limits.
type LimitConfig struct {
	ConnsPerMinute int // new WebSocket connections per client IP
	MsgsPerSecond  int // frames per second per connection
	BytesPerSecond int // payload bytes per second per connection
}

func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		ConnsPerMinute: 30,
		MsgsPerSecond:  120,
		BytesPerSecond: 256 * 1024,
	}
}

type limitWindow struct {
	count int
	start time.Time
}

// Limiter enforces the connection, message and byte rate limits with
// per-key fixed windows. Expired windows are garbage collected
// periodically so long-lived gateways do not leak per-IP state.
type Limiter struct {
	mu    sync.Mutex
	cfg   LimitConfig
	conns map[string]*limitWindow // keyed by client IP, 1-minute window
	msgs  map[string]*limitWindow // keyed by call ID, 1-second window
	bytes map[string]*limitWindow // keyed by call ID, 1-second window
	done  chan struct{}
	once  sync.Once
}

func NewLimiter(cfg LimitConfig) *Limiter {
	if cfg.ConnsPerMinute <= 0 {
		cfg.ConnsPerMinute = DefaultLimitConfig().ConnsPerMinute
	}
	if cfg.MsgsPerSecond <= 0 {
		cfg.MsgsPerSecond = DefaultLimitConfig().MsgsPerSecond
	}
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = DefaultLimitConfig().BytesPerSecond
	}
	l := &Limiter{
		cfg:   cfg,
		conns: make(map[string]*limitWindow),
		msgs:  make(map[string]*limitWindow),
		bytes: make(map[string]*limitWindow),
		done:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// AllowConnection checks the per-IP connection rate.
func (l *Limiter) AllowConnection(ip string) bool {
	return l.allow(l.conns, ip, 1, l.cfg.ConnsPerMinute, time.Minute)
}

// AllowMessage checks the per-connection frame rate.
func (l *Limiter) AllowMessage(callID string) bool {
	return l.allow(l.msgs, callID, 1, l.cfg.MsgsPerSecond, time.Second)
}

// AllowBytes checks the per-connection payload byte rate.
func (l *Limiter) AllowBytes(callID string, n int) bool {
	return l.allow(l.bytes, callID, n, l.cfg.BytesPerSecond, time.Second)
}

// Forget drops the per-connection state when a call ends.
func (l *Limiter) Forget(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.msgs, callID)
	delete(l.bytes, callID)
}

func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) allow(windows map[string]*limitWindow, key string, n, limit int, span time.Duration) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := windows[key]
	if !ok || now.Sub(w.start) > span {
		windows[key] = &limitWindow{count: n, start: now}
		return n <= limit
	}
	w.count += n
	return w.count <= limit
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, w := range l.conns {
				if now.Sub(w.start) > 2*time.Minute {
					delete(l.conns, key)
				}
			}
			for key, w := range l.msgs {
				if now.Sub(w.start) > 2*time.Second {
					delete(l.msgs, key)
				}
			}
			for key, w := range l.bytes {
				if now.Sub(w.start) > 2*time.Second {
					delete(l.bytes, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
