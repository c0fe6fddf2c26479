package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tmaxmax/go-sse"
	"github.com/yestoryd/coach-assistant/internal/conversation"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/services"
	"github.com/yestoryd/coach-assistant/internal/stream"
	"github.com/yestoryd/coach-assistant/internal/transcript"
)

const (
	maxTitleLength = 48
	untitled       = "New conversation"
)

// messageSSEType is the SSE event type carrying the re-rendered reply of one turn.
func messageSSEType(turnID string) string {
	return fmt.Sprintf("message-%s", turnID)
}

func titleSSEType(conversationID string) string {
	return fmt.Sprintf("title-%s", conversationID)
}

// HandleChats processes chat submissions through HTTP POST requests. It accepts the user message
// through the "message" form field, an optional "conversation_id" and, for new conversations, an
// optional "student_id" that narrows the conversation to one student.
//
// Without conversation_id a new conversation is created and the complete chatbox is rendered;
// otherwise only the user message and the placeholder of the reply are. The reply itself streams in
// the background and is pushed to the page over SSE.
//
// A submission while the previous reply is still streaming is refused with 409 Conflict.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, ok := m.identity.Identify(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var conv *conversation.Conversation
	var err error

	convID := r.FormValue("conversation_id")
	// We track if this is a new conversation to determine the appropriate template rendering strategy
	isNew := convID == ""
	if isNew {
		conv, err = m.newConversation(r.Context(), caller, r.FormValue("student_id"))
		if err != nil {
			m.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		convID = conv.ID()
	}

	var p conversation.Pending
	if isNew {
		p, err = conv.Begin(msg)
	} else {
		conv, p, err = m.begin(r.Context(), convID, caller, func(c *conversation.Conversation) (conversation.Pending, error) {
			return c.Begin(msg)
		})
	}
	if err != nil {
		m.handleBeginError(w, convID, err)
		return
	}
	m.saveTranscript(conv)

	// The reply starts streaming once its placeholder has been written.
	defer func() { go m.run(conv, p) }()

	if isNew {
		m.renderChatbox(w, r, caller, conv, p.AssistantID)
		return
	}

	views, err := m.messageViews(convID, transcript.Transcript{Messages: []models.Message{p.UserMessage}},
		conversation.StateAwaitingReply, p.AssistantID)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, v := range views {
		name := "ai_message"
		if v.Role == string(models.RoleUser) {
			name = "user_message"
		}
		if err := m.templates.ExecuteTemplate(w, name, v); err != nil {
			m.logger.Error("Failed to execute message template", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// HandleRetry re-submits the input of the failed last turn of "conversation_id". The failed turn is
// removed and the re-rendered transcript is returned.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, ok := m.identity.Identify(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convID := r.FormValue("conversation_id")
	if convID == "" {
		http.Error(w, "Conversation ID is required", http.StatusBadRequest)
		return
	}

	conv, p, err := m.begin(r.Context(), convID, caller, (*conversation.Conversation).BeginRetry)
	if err != nil {
		m.handleBeginError(w, convID, err)
		return
	}
	m.saveTranscript(conv)

	defer func() { go m.run(conv, p) }()

	views, err := m.messageViews(convID, conv.Transcript(), conversation.StateAwaitingReply, p.AssistantID)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "messages", views); err != nil {
		m.logger.Error("Failed to execute messages template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) handleBeginError(w http.ResponseWriter, convID string, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrTurnInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, conversation.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, conversation.ErrNothingToRetry):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, conversation.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		m.logger.Error("Failed to begin turn",
			slog.String("conversationID", convID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) renderChatbox(w http.ResponseWriter, r *http.Request, caller conversation.Caller,
	conv *conversation.Conversation, pendingID string,
) {
	students, err := m.store.Children(r.Context(), caller.Email)
	if err != nil {
		m.logger.Error("Failed to get students", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msgs, err := m.messageViews(conv.ID(), conv.Transcript(), conversation.StateAwaitingReply, pendingID)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Caller:                caller,
		Conversations:         []conversationView{{ID: conv.ID(), Title: untitled, Active: true}},
		CurrentConversationID: conv.ID(),
		StudentID:             r.FormValue("student_id"),
		Students:              students,
		Messages:              msgs,
		NewConversation:       true,
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		m.logger.Error("Failed to execute chatbox template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ownedConversation returns the header of conversation convID. Conversations of other coaches are
// reported as not found.
func (m Main) ownedConversation(ctx context.Context, convID string, caller conversation.Caller) (models.Conversation, error) {
	header, err := m.store.Conversation(ctx, convID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if header.CoachID != caller.Email {
		return models.Conversation{}, services.ErrNotFound
	}
	return header, nil
}

// begin starts a turn of conversation convID with start. A conversation that is not live is restored
// from the store first. The lookup and start run under m.mu, as does eviction, so a conversation never
// has two live copies.
func (m Main) begin(ctx context.Context, convID string, caller conversation.Caller,
	start func(*conversation.Conversation) (conversation.Pending, error),
) (*conversation.Conversation, conversation.Pending, error) {
	header, err := m.ownedConversation(ctx, convID, caller)
	if err != nil {
		return nil, conversation.Pending{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, live := m.conversations[convID]
	if !live {
		messages, err := m.store.Messages(ctx, convID)
		if err != nil {
			return nil, conversation.Pending{}, fmt.Errorf("failed to get messages: %w", err)
		}
		conv = m.openConversation(header, caller, conversation.WithMessages(messages))
	}

	p, err := start(conv)
	if err != nil {
		return nil, conversation.Pending{}, err
	}
	m.conversations[convID] = conv
	return conv, p, nil
}

// evictIdle drops conv from memory unless a new turn has started on it.
func (m Main) evictIdle(conv *conversation.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conversations[conv.ID()] == conv && conv.State() == conversation.StateIdle {
		delete(m.conversations, conv.ID())
	}
}

func (m Main) newConversation(ctx context.Context, caller conversation.Caller, studentID string) (*conversation.Conversation, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversation id: %w", err)
	}

	header := models.Conversation{
		ID:        id,
		CoachID:   caller.Email,
		StudentID: studentID,
	}
	header.ID, err = m.store.AddConversation(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("failed to add conversation: %w", err)
	}

	conv := m.openConversation(header, caller)

	m.mu.Lock()
	m.conversations[header.ID] = conv
	m.mu.Unlock()

	return conv, nil
}

func (m Main) openConversation(header models.Conversation, caller conversation.Caller,
	opts ...conversation.Option,
) *conversation.Conversation {
	var conv *conversation.Conversation
	opts = append(opts,
		conversation.WithStudent(header.StudentID),
		conversation.WithHistoryWindow(m.historyWindow),
		conversation.WithTurnTimeout(m.turnTimeout),
		conversation.WithObserver(func(snap conversation.Snapshot) { m.publishSnapshot(conv, snap) }),
		conversation.WithLogger(m.logger),
	)
	conv = conversation.New(header.ID, m.assistant, caller, opts...)
	return conv
}

func (m Main) run(conv *conversation.Conversation, p conversation.Pending) {
	reply := conv.Run(context.Background(), p)
	m.logger.Debug("Turn resolved",
		slog.String("conversationID", conv.ID()),
		slog.String("turnID", p.AssistantID),
		slog.String("state", string(reply.State)))
}

// publishSnapshot pushes the re-rendered reply of the changed turn to the page. Once the turn is
// resolved, the transcript is persisted, an idle conversation leaves memory and an untitled one gets
// its title.
func (m Main) publishSnapshot(conv *conversation.Conversation, snap conversation.Snapshot) {
	// The HTTP response renders the turn until its first event.
	if snap.Event.Kind == "" {
		return
	}

	views, err := m.messageViews(snap.ConversationID, snap.Transcript, snap.State, snap.TurnID)
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("turnID", snap.TurnID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	for _, v := range views {
		if v.ID != snap.TurnID {
			continue
		}

		var sb strings.Builder
		if err := m.templates.ExecuteTemplate(&sb, "ai_message_content", v); err != nil {
			m.logger.Error("Failed to execute ai_message_content template",
				slog.String("turnID", snap.TurnID),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		msg := sse.Message{Type: sse.Type(messageSSEType(snap.TurnID))}
		msg.AppendData(sb.String())
		if err := m.sseSrv.Publish(&msg); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("turnID", snap.TurnID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if !snap.Event.Terminal() {
		return
	}

	m.saveTranscript(conv)
	m.evictIdle(conv)
	if snap.Event.Kind == stream.KindDone {
		m.nameConversation(snap.ConversationID, snap.Transcript)
	}
}

// saveTranscript persists the current transcript of conv. Saves are serialised and read the transcript
// under the save lock, so a later save always writes a later transcript.
func (m Main) saveTranscript(conv *conversation.Conversation) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if err := m.store.SaveMessages(context.Background(), conv.ID(), conv.Transcript().Messages); err != nil {
		m.logger.Error("Failed to save messages",
			slog.String("conversationID", conv.ID()),
			slog.String(errLoggerKey, err.Error()))
	}
}

// nameConversation titles an untitled conversation after its first user message and pushes the new
// title to the conversation list.
func (m Main) nameConversation(convID string, t transcript.Transcript) {
	header, err := m.store.Conversation(context.Background(), convID)
	if err != nil {
		m.logger.Error("Failed to get conversation",
			slog.String("conversationID", convID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if header.Title != "" {
		return
	}

	for _, msg := range t.Messages {
		if msg.Role == models.RoleUser {
			header.Title = conversationTitle(msg.Content)
			break
		}
	}
	if header.Title == "" {
		return
	}

	if err := m.store.UpdateConversation(context.Background(), header); err != nil {
		m.logger.Error("Failed to update conversation title",
			slog.String("conversationID", convID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sse.Type(titleSSEType(convID))}
	msg.AppendData(template.HTMLEscapeString(header.Title))
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish title", slog.String(errLoggerKey, err.Error()))
	}
}

// conversationTitle shortens the first line of text to a list title.
func conversationTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i != -1 {
		text = strings.TrimSpace(text[:i])
	}
	if utf8.RuneCountInString(text) <= maxTitleLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleLength])) + "..."
}
