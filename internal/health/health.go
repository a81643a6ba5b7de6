// Package health probes the gateway's runtime dependencies: the nonce
// store, the local STT and LLM services and the TTS binary.
package health

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"tom/gateway/internal/config"
	"tom/gateway/internal/nonce"
	"tom/gateway/internal/realtime"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// CheckAll runs all dependency checks and returns combined status. The
// local pipeline checks only run when the local backend can be selected.
func CheckAll(ctx context.Context, cfg config.Config, nonces nonce.Store) HealthStatus {
	checks := []CheckResult{
		checkNonceStore(ctx, nonces),
	}
	if cfg.Realtime.Backend != realtime.BackendMock {
		checks = append(checks,
			checkWhisper(ctx, cfg),
			checkOllama(ctx, cfg),
			checkPiper(cfg),
		)
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func checkNonceStore(ctx context.Context, nonces nonce.Store) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "nonce_store"}

	rs, ok := nonces.(*nonce.RedisStore)
	if !ok {
		// in-memory store has no external dependency
		result.OK = true
		result.Latency = time.Since(start)
		return result
	}
	if err := rs.Ping(ctx); err != nil {
		result.Error = fmt.Sprintf("redis ping failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

func checkWhisper(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "whisper"}

	if cfg.Realtime.WhisperURL == "" {
		result.Error = "WHISPER_URL not set"
		result.Latency = time.Since(start)
		return result
	}
	stt := realtime.NewWhisperClient(cfg.Realtime.WhisperURL, cfg.Realtime.Language)
	if err := stt.Healthy(ctx); err != nil {
		result.Error = fmt.Sprintf("probe failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

func checkOllama(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "ollama"}

	if cfg.Realtime.OllamaURL == "" {
		result.Error = "OLLAMA_URL not set"
		result.Latency = time.Since(start)
		return result
	}
	llm := realtime.NewOllamaStreamer(cfg.Realtime.OllamaURL, cfg.Realtime.LLMModel)
	if err := llm.Healthy(ctx); err != nil {
		result.Error = fmt.Sprintf("heartbeat failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.OK = true
	result.Latency = time.Since(start)
	return result
}

func checkPiper(cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "piper"}

	if cfg.Realtime.PiperPath == "" {
		result.Error = "PIPER_PATH not set"
		result.Latency = time.Since(start)
		return result
	}
	if _, err := exec.LookPath(cfg.Realtime.PiperPath); err != nil {
		result.Error = fmt.Sprintf("binary not found: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.OK = true
	result.Latency = time.Since(start)
	return result
}
