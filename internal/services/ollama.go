package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

// Ollama is an assistant backed by a local Ollama server.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Stream streams the model's answer to req as reply events.
func (o Ollama) Stream(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		if !yield(stream.Status(thinkingStatus)) {
			return
		}

		system, entries := promptMessages(o.systemPrompt, req)
		msgs := make([]api.Message, 0, len(entries)+1)
		msgs = append(msgs, api.Message{Role: "system", Content: system})
		for _, e := range entries {
			msgs = append(msgs, api.Message{Role: e.Role, Content: e.Content})
		}

		t := true
		creq := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped, done := false, false
		err := o.client.Chat(ctx, &creq, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" && !yield(stream.Chunk(res.Message.Content)) {
				stopped = true
				cancel()
				return nil
			}
			if res.Done {
				done = true
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Errorf(fmt.Errorf("error sending request: %w", err)))
			return
		}
		if !done {
			yield(stream.Errorf(stream.ErrTruncated))
			return
		}
		yield(stream.Done())
	}
}
