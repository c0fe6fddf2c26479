package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

// LLMParameters holds optional sampling parameters. Nil fields are left to the provider's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// OpenAI is an assistant backed by the OpenAI chat completion API or any API compatible with it.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL selects the OpenAI API itself.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Stream streams a chat completion for req as reply events.
func (o OpenAI) Stream(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		if !yield(stream.Status(thinkingStatus)) {
			return
		}

		system, entries := promptMessages(o.systemPrompt, req)
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(entries)+1)
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
		for _, e := range entries {
			msgs = append(msgs, goopenai.ChatCompletionMessage{Role: e.Role, Content: e.Content})
		}

		creq := o.chatRequest(msgs)

		reqJSON, err := json.Marshal(creq)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		completion, err := o.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			yield(stream.Errorf(fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer completion.Close()

		// The stream reader reports io.EOF for a body that was cut off as well as after [DONE]; only a
		// finish reason tells the two apart.
		finished := false
		for {
			response, err := completion.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				yield(stream.Errorf(fmt.Errorf("error receiving response: %w", err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if delta := choice.Delta.Content; delta != "" {
				if !yield(stream.Chunk(delta)) {
					return
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}

		if !finished {
			yield(stream.Errorf(stream.ErrTruncated))
			return
		}
		yield(stream.Done())
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
