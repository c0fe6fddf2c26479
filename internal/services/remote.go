package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"

	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

// Remote is an assistant served over HTTP. Each turn is one POST of the JSON chat request; the reply is
// either a server-sent event stream or, for endpoints that do not stream, a single JSON object.
type Remote struct {
	endpoint string
	headers  map[string]string

	client *http.Client

	logger *slog.Logger
}

// NewRemote creates a Remote posting to endpoint with the given extra headers.
func NewRemote(endpoint string, headers map[string]string, logger *slog.Logger) Remote {
	return Remote{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "remote")),
	}
}

// Stream sends req and returns the events of the reply. Transport failures and non-success responses
// are reported as a terminal error event.
func (r Remote) Stream(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		resp, err := r.doRequest(ctx, req)
		if err != nil {
			yield(stream.Errorf(err))
			return
		}
		defer resp.Body.Close()

		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType == "application/json" {
			for ev := range replyEvents(resp.Body) {
				if !yield(ev) {
					return
				}
			}
			return
		}

		for ev := range stream.Decode(resp.Body, r.logger) {
			if !yield(ev) {
				return
			}
		}
	}
}

func (r Remote) doRequest(ctx context.Context, req models.ChatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// replyEvents turns a non-streaming JSON reply into the events a stream would have carried: the full
// response, the children if any, and done. An error reply, or a body that cannot be decoded, becomes a
// single error event.
func replyEvents(body io.Reader) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		var reply models.Reply
		if err := json.NewDecoder(body).Decode(&reply); err != nil {
			yield(stream.Errorf(fmt.Errorf("error decoding response: %w", err)))
			return
		}

		if reply.Error != "" {
			yield(stream.Error(reply.Error))
			return
		}

		if !yield(stream.Response(reply.Response)) {
			return
		}
		if len(reply.Children) > 0 {
			if !yield(stream.Children(reply.Children)) {
				return
			}
		}
		yield(stream.Done())
	}
}
