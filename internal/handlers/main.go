package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	coachassistant "github.com/yestoryd/coach-assistant"
	"github.com/yestoryd/coach-assistant/internal/conversation"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yuin/goldmark"
)

// Store defines the interface for managing conversation persistence. Conversations are listed per
// coach; a conversation's transcript is always saved as a whole.
type Store interface {
	Conversations(ctx context.Context, coachID string) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error

	Children(ctx context.Context, coachID string) ([]models.Child, error)
}

// Main handles the coach chat pages and the assistant endpoint. It keeps the live conversations in
// memory, pushes reply updates to the browser over server-sent events and persists transcripts to the
// Store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	assistant conversation.Assistant
	store     Store
	identity  IdentityProvider

	historyWindow int
	turnTimeout   time.Duration

	// mu guards conversations, which holds the conversations with a turn in flight or a failed last
	// turn. Idle ones are evicted and restored from the store on their next turn.
	mu            *sync.Mutex
	conversations map[string]*conversation.Conversation
	saveMu        *sync.Mutex

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const errLoggerKey = "err"

// WithIdentityProvider replaces the default HeaderIdentity.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(m *Main) { m.identity = p }
}

// WithHistoryWindow sets how many prior messages are sent along with each submission.
func WithHistoryWindow(n int) Option {
	return func(m *Main) { m.historyWindow = n }
}

// WithTurnTimeout bounds how long a reply may stream before it is failed.
func WithTurnTimeout(d time.Duration) Option {
	return func(m *Main) { m.turnTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Main) { m.logger = logger }
}

// NewMain creates a new Main instance with the provided Assistant and Store implementations. It
// initializes the SSE server and parses the HTML templates from the embedded filesystem.
func NewMain(assistant conversation.Assistant, store Store, opts ...Option) (Main, error) {
	m := Main{
		sseSrv:        &sse.Server{},
		markdown:      newMarkdown(),
		assistant:     assistant,
		store:         store,
		identity:      HeaderIdentity{DefaultRole: "coach"},
		historyWindow: 6,
		mu:            &sync.Mutex{},
		conversations: make(map[string]*conversation.Conversation),
		saveMu:        &sync.Mutex{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.logger = m.logger.With(slog.String("module", "main"))

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		coachassistant.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}
	m.templates = tmpl

	return m, nil
}

// HandleSSE serves the event stream the chat page subscribes to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance. It stops every reply in flight, broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, conv := range m.conversations {
		conv.Close()
	}
	m.mu.Unlock()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
