package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const systemPrompt = "Du bist TOM, ein hilfsbereiter deutscher Telefonassistent. " +
	"Antworte kurz und gesprochen, maximal zwei Saetze."

// OllamaStreamer streams chat completions token by token from a local
// ollama server.
type OllamaStreamer struct {
	client *api.Client
	model  string
}

func NewOllamaStreamer(baseURL, model string) *OllamaStreamer {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{Scheme: "http", Host: "localhost:11434"}
	}
	return &OllamaStreamer{
		client: api.NewClient(base, &http.Client{Timeout: 120 * time.Second}),
		model:  model,
	}
}

// Stream generates a reply for the transcript, invoking onToken for each
// streamed chunk, and returns the full response text.
func (o *OllamaStreamer) Stream(ctx context.Context, transcript string, onToken func(string)) (string, error) {
	stream := true
	req := &api.ChatRequest{
		Model:  o.model,
		Stream: &stream,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript},
		},
	}

	var full strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			full.WriteString(resp.Message.Content)
			onToken(resp.Message.Content)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return full.String(), nil
}

// Healthy checks that the ollama server responds.
func (o *OllamaStreamer) Healthy(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
