package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WhisperClient posts raw PCM16 utterances to a local whisper transcription
// server and returns the transcript.
type WhisperClient struct {
	baseURL  string
	language string
	httpc    *http.Client
}

func NewWhisperClient(baseURL, language string) *WhisperClient {
	return &WhisperClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
}

type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (w *WhisperClient) Transcribe(ctx context.Context, pcm []byte) (string, float64, error) {
	url := fmt.Sprintf("%s/transcribe?language=%s&sample_rate=16000", w.baseURL, w.language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(pcm))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", 0, fmt.Errorf("whisper status %d: %s", resp.StatusCode, body)
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("whisper response: %w", err)
	}
	conf := out.Confidence
	if conf == 0 {
		conf = 0.9
	}
	return strings.TrimSpace(out.Text), conf, nil
}

// Healthy probes the transcription server.
func (w *WhisperClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper health status %d", resp.StatusCode)
	}
	return nil
}
