package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/tmaxmax/go-sse"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

// Anthropic is an assistant backed by the Anthropic Messages API. The API's own event stream is read
// with go-sse and translated into reply events.
type Anthropic struct {
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int

	endpoint string
	client   *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit.
func NewAnthropic(apiKey, model, systemPrompt string, maxTokens int) Anthropic {
	return Anthropic{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		endpoint:     anthropicAPIEndpoint,
		client:       &http.Client{},
	}
}

// Stream streams the model's answer to req as reply events.
func (a Anthropic) Stream(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		if !yield(stream.Status(thinkingStatus)) {
			return
		}

		system, entries := promptMessages(a.systemPrompt, req)
		msgs := make([]anthropicMessage, len(entries))
		for i, e := range entries {
			msgs[i] = anthropicMessage{Role: e.Role, Content: e.Content}
		}

		jsonBody, err := json.Marshal(anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			System:    system,
			MaxTokens: a.maxTokens,
			Stream:    true,
		})
		if err != nil {
			yield(stream.Errorf(fmt.Errorf("error marshaling request: %w", err)))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(stream.Errorf(fmt.Errorf("error creating request: %w", err)))
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			yield(stream.Errorf(fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(stream.Errorf(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(stream.Errorf(fmt.Errorf("error reading response: %w", err)))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(stream.Errorf(fmt.Errorf("error unmarshaling error: %w", err)))
					return
				}
				yield(stream.Errorf(fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)))
				return
			case "message_stop":
				yield(stream.Done())
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					continue
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(stream.Chunk(res.Delta.Text)) {
					return
				}
			default:
				continue
			}
		}
		yield(stream.Errorf(stream.ErrTruncated))
	}
}
