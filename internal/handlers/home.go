package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/yestoryd/coach-assistant/internal/conversation"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/services"
	"github.com/yestoryd/coach-assistant/internal/transcript"
)

type conversationView struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID             string
	ConversationID string
	Role           string
	Content        template.HTML
	Timestamp      time.Time

	// StreamingState is "loading" before the first content, "streaming" while content arrives and
	// "ended" afterwards.
	StreamingState string
	Status         string
	IsError        bool
	// Retryable marks the reply of the failed last turn.
	Retryable bool
	Children  []models.Child
}

type homePageData struct {
	Caller                conversation.Caller
	Conversations         []conversationView
	CurrentConversationID string
	StudentID             string
	Students              []models.Child
	Messages              []messageView

	// NewConversation adds the current conversation to the page's conversation list.
	NewConversation bool
}

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// HandleHome renders the chat page of the calling coach: the conversation list, the students and,
// when conversation_id is given, that conversation's transcript.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	caller, ok := m.identity.Identify(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := m.store.Conversations(r.Context(), caller.Email)
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	students, err := m.store.Children(r.Context(), caller.Email)
	if err != nil {
		m.logger.Error("Failed to get students", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Caller:    caller,
		Students:  students,
		StudentID: r.URL.Query().Get("student_id"),
	}

	convID := r.URL.Query().Get("conversation_id")
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = untitled
		}
		data.Conversations = append(data.Conversations, conversationView{
			ID:     c.ID,
			Title:  title,
			Active: c.ID == convID,
		})
	}

	if convID != "" {
		t, state, err := m.transcriptOf(r.Context(), convID, caller)
		if err != nil {
			m.handleConversationError(w, convID, err)
			return
		}

		data.CurrentConversationID = convID
		data.Messages, err = m.messageViews(convID, t, state, "")
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) handleConversationError(w http.ResponseWriter, convID string, err error) {
	if errors.Is(err, services.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	m.logger.Error("Failed to load conversation",
		slog.String("conversationID", convID),
		slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// transcriptOf returns the transcript of conversation convID and the state of its last turn. A
// conversation that is not live is read from the store and stays out of memory.
func (m Main) transcriptOf(ctx context.Context, convID string, caller conversation.Caller) (transcript.Transcript, conversation.State, error) {
	if _, err := m.ownedConversation(ctx, convID, caller); err != nil {
		return transcript.Transcript{}, "", err
	}

	m.mu.Lock()
	conv, live := m.conversations[convID]
	m.mu.Unlock()
	if live {
		return conv.Transcript(), conv.State(), nil
	}

	messages, err := m.store.Messages(ctx, convID)
	if err != nil {
		return transcript.Transcript{}, "", fmt.Errorf("failed to get messages: %w", err)
	}
	return transcript.FromMessages(messages), conversation.StateIdle, nil
}

// messageViews renders every message of t. The assistant message of pendingID, if it has not appeared
// yet, is rendered as a loading placeholder.
func (m Main) messageViews(convID string, t transcript.Transcript, state conversation.State, pendingID string) ([]messageView, error) {
	views := make([]messageView, 0, len(t.Messages)+1)
	for i, msg := range t.Messages {
		v, err := m.messageView(convID, t, msg)
		if err != nil {
			return nil, err
		}
		v.Retryable = state == conversation.StateFailed && msg.Role == models.RoleAssistant && i == len(t.Messages)-1
		views = append(views, v)
	}

	if pendingID != "" {
		if _, ok := t.Message(pendingID); !ok {
			views = append(views, messageView{
				ID:             pendingID,
				ConversationID: convID,
				Role:           string(models.RoleAssistant),
				StreamingState: streamingStateLoading,
				Status:         t.Status,
			})
		}
	}
	return views, nil
}

func (m Main) messageView(convID string, t transcript.Transcript, msg models.Message) (messageView, error) {
	content, err := m.renderMarkdown(msg.Content)
	if err != nil {
		return messageView{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}

	v := messageView{
		ID:             msg.ID,
		ConversationID: convID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingStateEnded,
		IsError:        msg.IsError,
	}
	if msg.IsStreaming {
		v.StreamingState = streamingStateStreaming
		v.Status = t.Status
	}
	if turn, ok := t.Turn(msg.ID); ok {
		v.Children = turn.Children
	}
	return v, nil
}
