package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const (
	frameAudio   = "audio_chunk"
	frameBargeIn = "barge_in"
	frameStop    = "stop"
	framePing    = "ping"
)

// ClientFrame is the envelope for everything a client sends after auth.
type ClientFrame struct {
	Type        string  `json:"type" validate:"required,oneof=audio_chunk barge_in stop ping"`
	Audio       string  `json:"audio,omitempty" validate:"required_if=Type audio_chunk"`
	Timestamp   float64 `json:"timestamp,omitempty" validate:"gte=0"`
	AudioLength int     `json:"audio_length,omitempty" validate:"gte=0"`
}

// authFrame is the first frame on a fresh connection. A bare {"jwt": ...}
// without the type tag is accepted too; the telephony bridge sends both
// forms.
type authFrame struct {
	Type string `json:"type,omitempty" validate:"omitempty,eq=auth"`
	JWT  string `json:"jwt" validate:"required"`
}

// ParseClientFrame decodes and validates a post-auth frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return f, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}

func parseAuthFrame(data []byte) (authFrame, error) {
	var f authFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode auth frame: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return f, fmt.Errorf("invalid auth frame: %w", err)
	}
	return f, nil
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func connectedFrame(callID, variant, backend string, modes map[string]any) map[string]any {
	return map[string]any{
		"type":           "connected",
		"call_id":        callID,
		"policy_variant": variant,
		"backend":        backend,
		"timestamp":      isoNow(),
		"config":         modes,
	}
}

// pongFrame echoes the client timestamp and reports the measured one-way
// latency derived from it.
func pongFrame(clientTS float64) map[string]any {
	latencyMS := 0.0
	if clientTS > 0 {
		latencyMS = float64(time.Now().UnixNano())/1e6 - clientTS*1000
		if latencyMS < 0 {
			latencyMS = 0
		}
	}
	return map[string]any{"type": "pong", "timestamp": isoNow(), "latency_ms": latencyMS}
}

func bargeInAckFrame() map[string]any {
	return map[string]any{"type": "barge_in_ack", "timestamp": isoNow()}
}

func rateLimitFrame(kind string, retryAfter float64) map[string]any {
	return map[string]any{
		"type":        "rate_limit_exceeded",
		"message":     "rate limit exceeded: " + kind,
		"limit":       kind,
		"retry_after": retryAfter,
	}
}

func authErrorFrame(msg string) map[string]any {
	return map[string]any{"type": "auth_error", "message": msg, "timestamp": isoNow()}
}

func errorFrame(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg, "timestamp": isoNow()}
}
