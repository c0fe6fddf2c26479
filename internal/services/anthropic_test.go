package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

func TestAnthropicStream(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantLast stream.Kind
	}{
		{
			name: "deltas then stop",
			body: "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Keep \"}}\n\n" +
				"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"practising.\"}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
			wantText: "Keep practising.",
			wantLast: stream.KindDone,
		},
		{
			name: "api error",
			body: "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Par\"}}\n\n" +
				"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
			wantText: "Par",
			wantLast: stream.KindError,
		},
		{
			name:     "truncated",
			body:     "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Par\"}}\n\n",
			wantText: "Par",
			wantLast: stream.KindError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got anthropicChatRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/messages" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("failed to decode request: %v", err)
				}
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			a := NewAnthropic("key", "claude", "You help reading coaches.", 1024)
			a.endpoint = srv.URL

			req := models.ChatRequest{
				Message:     "Any tips?",
				UserRole:    "coach",
				ChatHistory: []models.HistoryEntry{{Role: models.RoleUser, Content: "Hello"}, {Role: models.RoleAssistant, Content: "Hi"}},
			}

			var evs []stream.Event
			for ev := range a.Stream(context.Background(), req) {
				evs = append(evs, ev)
			}

			if len(evs) < 2 || evs[0].Kind != stream.KindStatus {
				t.Fatalf("expected a status event first, got %+v", evs)
			}
			var text strings.Builder
			for _, ev := range evs {
				if ev.Kind == stream.KindChunk {
					text.WriteString(ev.Text)
				}
			}
			if text.String() != tt.wantText {
				t.Errorf("expected text %q, got %q", tt.wantText, text.String())
			}
			if last := evs[len(evs)-1]; last.Kind != tt.wantLast {
				t.Errorf("expected last event %q, got %q", tt.wantLast, last.Kind)
			}

			if len(got.Messages) != 3 || got.Messages[2].Content != "Any tips?" {
				t.Errorf("unexpected messages %+v", got.Messages)
			}
			if !strings.Contains(got.System, "coach") || !got.Stream {
				t.Errorf("unexpected request %+v", got)
			}
		})
	}
}
