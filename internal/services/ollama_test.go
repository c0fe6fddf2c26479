package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/services"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

func ollamaLine(content string, done bool) string {
	b, _ := json.Marshal(map[string]any{
		"model":   "llama3",
		"message": map[string]string{"role": "assistant", "content": content},
		"done":    done,
	})
	return string(b) + "\n"
}

func TestOllamaStream(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKinds []stream.Kind
		wantText  string
		wantErr   error
	}{
		{
			name:      "finished",
			status:    http.StatusOK,
			body:      ollamaLine("Keep ", false) + ollamaLine("going.", false) + ollamaLine("", true),
			wantKinds: []stream.Kind{stream.KindStatus, stream.KindChunk, stream.KindChunk, stream.KindDone},
			wantText:  "Keep going.",
		},
		{
			name:      "cut off",
			status:    http.StatusOK,
			body:      ollamaLine("Partial ans", false),
			wantKinds: []stream.Kind{stream.KindStatus, stream.KindChunk, stream.KindError},
			wantText:  "Partial ans",
			wantErr:   stream.ErrTruncated,
		},
		{
			name:      "server error",
			status:    http.StatusNotFound,
			body:      `{"error":"model \"llama3\" not found"}`,
			wantKinds: []stream.Kind{stream.KindStatus, stream.KindError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/chat" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			o, err := services.NewOllama(srv.URL, "llama3", "You help coaches.")
			if err != nil {
				t.Fatalf("failed to create ollama: %v", err)
			}

			var evs []stream.Event
			for ev := range o.Stream(context.Background(), models.ChatRequest{Message: "Any tips?"}) {
				evs = append(evs, ev)
			}

			if !slices.Equal(kinds(evs), tt.wantKinds) {
				t.Fatalf("expected kinds %v, got %v", tt.wantKinds, kinds(evs))
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
			if tt.wantErr != nil && !errors.Is(evs[len(evs)-1].Err, tt.wantErr) {
				t.Errorf("expected cause %v, got %v", tt.wantErr, evs[len(evs)-1].Err)
			}
		})
	}
}

func TestOllamaRequest(t *testing.T) {
	var got api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, ollamaLine("Ok", true))
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", "You help coaches.")
	if err != nil {
		t.Fatalf("failed to create ollama: %v", err)
	}

	req := models.ChatRequest{
		Message:     "And now?",
		UserRole:    "parent",
		ChatHistory: []models.HistoryEntry{{Role: models.RoleUser, Content: "Hello"}},
	}
	for range o.Stream(context.Background(), req) {
	}

	if got.Model != "llama3" || got.Stream == nil || !*got.Stream {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected system, history and user messages, got %+v", got.Messages)
	}
	if got.Messages[0].Role != "system" || !strings.Contains(got.Messages[0].Content, "parent") {
		t.Errorf("unexpected system message %+v", got.Messages[0])
	}
	if got.Messages[2].Role != "user" || got.Messages[2].Content != "And now?" {
		t.Errorf("unexpected user message %+v", got.Messages[2])
	}
}

func TestOllamaStreamStopsWhenConsumerStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, ollamaLine("One ", false)+ollamaLine("two ", false)+ollamaLine("three", true))
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", "")
	if err != nil {
		t.Fatalf("failed to create ollama: %v", err)
	}

	var evs []stream.Event
	for ev := range o.Stream(context.Background(), models.ChatRequest{Message: "Count"}) {
		evs = append(evs, ev)
		if ev.Kind == stream.KindChunk {
			break
		}
	}

	want := []stream.Kind{stream.KindStatus, stream.KindChunk}
	if !slices.Equal(kinds(evs), want) {
		t.Errorf("expected kinds %v, got %v", want, kinds(evs))
	}
}
