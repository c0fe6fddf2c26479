package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
	"github.com/yestoryd/coach-assistant/internal/transcript"
)

const preparingStatus = "Looking at your question..."

// HandleAssistant serves the assistant over HTTP. It takes a JSON chat request and answers with the
// reply as a server-sent event stream: a status note, the caller's students when the request names no
// student, then the events of the configured assistant. Clients that only accept application/json get
// the whole reply as one JSON object instead.
func (m Main) HandleAssistant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}
	if req.UserEmail == "" {
		if caller, ok := m.identity.Identify(r); ok {
			req.UserEmail = caller.Email
			if req.UserRole == "" {
				req.UserRole = caller.Role
			}
		}
	}

	events := m.replyEvents(r.Context(), req)

	if wantsJSON(r) {
		m.writeReply(w, req, events)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			m.logger.Warn("Failed to write event",
				slog.String("kind", string(ev.Kind)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

// replyEvents is the full reply to req. It always ends with a terminal event.
func (m Main) replyEvents(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		if !yield(stream.Status(preparingStatus)) {
			return
		}

		if req.StudentID == "" && req.UserEmail != "" {
			children, err := m.store.Children(ctx, req.UserEmail)
			if err != nil {
				m.logger.Warn("Failed to get students",
					slog.String("userEmail", req.UserEmail),
					slog.String(errLoggerKey, err.Error()))
			} else if len(children) > 0 {
				if !yield(stream.Children(children)) {
					return
				}
			}
		}

		for ev := range m.assistant.Stream(ctx, req) {
			if !yield(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
		yield(stream.Errorf(stream.ErrTruncated))
	}
}

// writeReply folds events into a single models.Reply.
func (m Main) writeReply(w http.ResponseWriter, req models.ChatRequest, events iter.Seq[stream.Event]) {
	const replyID = "reply"

	t := transcript.Begin(transcript.Transcript{},
		models.Message{ID: "request", Role: models.RoleUser, Content: req.Message},
		replyID, time.Now())
	for ev := range events {
		t = transcript.Reduce(t, replyID, ev)
	}

	msg, _ := t.Message(replyID)
	turn, _ := t.Turn(replyID)

	reply := models.Reply{Children: turn.Children}
	switch {
	case msg.IsError:
		reply.Error = msg.Content
	case turn.Err != "":
		reply.Response = msg.Content
		reply.Error = turn.Err
	default:
		reply.Response = msg.Content
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		m.logger.Error("Failed to write reply", slog.String(errLoggerKey, err.Error()))
	}
}

// wantsJSON reports whether the client accepts a JSON reply but not an event stream.
func wantsJSON(r *http.Request) bool {
	acceptsJSON := false
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/event-stream":
			return false
		case "application/json":
			acceptsJSON = true
		}
	}
	return acceptsJSON
}
