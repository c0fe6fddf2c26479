// Package conversation drives the turns of one assistant conversation: it submits a user message,
// applies the streamed reply to the conversation's transcript, and handles retry after a failure.
package conversation

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
	"github.com/yestoryd/coach-assistant/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Assistant produces the streamed reply to one chat submission. The returned sequence must end once
// ctx is done, and should end with a terminal event.
type Assistant interface {
	Stream(ctx context.Context, req models.ChatRequest) iter.Seq[stream.Event]
}

// State is the state of a conversation between turns.
type State string

const (
	// StateIdle accepts a new submission.
	StateIdle State = "idle"
	// StateAwaitingReply has one turn in flight. New submissions are refused until it ends.
	StateAwaitingReply State = "awaiting-reply"
	// StateFailed means the last turn ended with an error. Its input is kept for Retry.
	StateFailed State = "failed"
)

// TimeoutText replaces the reply of a turn that did not finish within the turn timeout.
const TimeoutText = "The assistant is taking too long to respond. Please try again."

var (
	// ErrTurnInFlight is returned when a submission is made while a reply is still streaming.
	ErrTurnInFlight = errors.New("a reply is still in progress")
	// ErrEmptyMessage is returned for blank submissions.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNothingToRetry is returned by retry when the last turn did not fail.
	ErrNothingToRetry = errors.New("no failed turn to retry")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation is closed")
)

// Caller identifies who is talking to the assistant.
type Caller struct {
	Email string
	Role  string
}

// Pending is a turn that has been submitted but not run yet. Its IDs are reserved, so the user
// message and the placeholder for the reply can be shown before any event arrives.
type Pending struct {
	UserMessage models.Message
	AssistantID string
	Request     models.ChatRequest
}

// Reply is the outcome of a turn.
type Reply struct {
	Message  models.Message
	Children []models.Child
	// Err is the error text of a turn that failed after producing content. The content is kept in
	// Message.
	Err   string
	State State
}

// Snapshot is handed to the observer after every change to the conversation.
type Snapshot struct {
	ConversationID string
	State          State
	// TurnID is the reserved assistant message ID of the turn the change belongs to.
	TurnID     string
	Event      stream.Event
	Transcript transcript.Transcript
}

// Conversation owns the transcript of one conversation. Only one turn can be in flight at a time.
// All methods are safe for concurrent use; events of a turn are applied one at a time, in the order
// the assistant produced them.
type Conversation struct {
	id        string
	assistant Assistant
	caller    Caller
	studentID string

	historyWindow int
	turnTimeout   time.Duration
	observer      func(Snapshot)
	newID         func() string
	now           func() time.Time

	logger      *slog.Logger
	tracer      trace.Tracer
	instruments instruments

	mu         sync.Mutex
	state      State
	transcript transcript.Transcript
	current    string
	failed     *Pending
	cancel     context.CancelFunc
	closed     bool
}

// Option configures a Conversation.
type Option func(*Conversation)

const (
	defaultHistoryWindow = 6
	instrumentationName  = "github.com/yestoryd/coach-assistant/internal/conversation"
)

// WithStudent narrows every submission of the conversation to one student.
func WithStudent(studentID string) Option {
	return func(c *Conversation) { c.studentID = studentID }
}

// WithMessages restores previously stored messages. They are sent as history but never modified.
func WithMessages(messages []models.Message) Option {
	return func(c *Conversation) { c.transcript = transcript.FromMessages(messages) }
}

// WithHistoryWindow sets how many prior messages are sent along with a submission. Zero or a
// negative n sends none.
func WithHistoryWindow(n int) Option {
	return func(c *Conversation) { c.historyWindow = max(n, 0) }
}

// WithTurnTimeout bounds how long a turn may stream before it is failed with TimeoutText. Zero
// disables the bound.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Conversation) { c.turnTimeout = d }
}

// WithObserver registers fn to receive a snapshot after every change. fn is called without any lock
// held and must not block for long.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Conversation) { c.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) { c.logger = logger }
}

// WithIDGenerator replaces the generator of message IDs.
func WithIDGenerator(fn func() string) Option {
	return func(c *Conversation) { c.newID = fn }
}

// WithClock replaces the clock used to stamp messages.
func WithClock(fn func() time.Time) Option {
	return func(c *Conversation) { c.now = fn }
}

// New creates an idle conversation that sends its turns to assistant on behalf of caller.
func New(id string, assistant Assistant, caller Caller, opts ...Option) *Conversation {
	c := &Conversation{
		id:            id,
		assistant:     assistant,
		caller:        caller,
		historyWindow: defaultHistoryWindow,
		newID:         func() string { return uuid.New().String() },
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer(instrumentationName),
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "conversation"), slog.String("conversationID", id))
	c.instruments = newInstruments(c.logger)
	return c
}

// ID returns the conversation ID.
func (c *Conversation) ID() string {
	return c.id
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the current transcript.
func (c *Conversation) Transcript() transcript.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Send submits content and streams the reply. See Begin and Run.
func (c *Conversation) Send(ctx context.Context, content string) (Reply, error) {
	p, err := c.Begin(content)
	if err != nil {
		return Reply{}, err
	}
	return c.Run(ctx, p), nil
}

// Begin appends the user message for content, reserves the ID of the reply and moves the
// conversation to StateAwaitingReply. A failed turn that is not retried stays in the transcript.
func (c *Conversation) Begin(content string) (Pending, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Pending{}, ErrEmptyMessage
	}

	c.mu.Lock()
	p, err := c.beginLocked(content)
	snap := c.snapshotLocked(p.AssistantID, stream.Event{})
	c.mu.Unlock()
	if err != nil {
		return Pending{}, err
	}

	c.notify(snap)
	return p, nil
}

// Retry discards the failed turn and submits its input again as a new turn.
func (c *Conversation) Retry(ctx context.Context) (Reply, error) {
	p, err := c.BeginRetry()
	if err != nil {
		return Reply{}, err
	}
	return c.Run(ctx, p), nil
}

// BeginRetry is the Begin of a retry. It removes the failed turn's messages from the transcript and
// begins a new turn with the same input.
func (c *Conversation) BeginRetry() (Pending, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Pending{}, ErrClosed
	}
	if c.state != StateFailed || c.failed == nil {
		c.mu.Unlock()
		return Pending{}, ErrNothingToRetry
	}

	failed := *c.failed
	c.transcript = transcript.Discard(c.transcript, failed.AssistantID)
	c.state = StateIdle
	c.failed = nil

	p, err := c.beginLocked(failed.UserMessage.Content)
	snap := c.snapshotLocked(p.AssistantID, stream.Event{})
	c.mu.Unlock()
	if err != nil {
		return Pending{}, err
	}

	c.logger.Info("Retrying failed turn",
		slog.String("failedTurnID", failed.AssistantID),
		slog.String("turnID", p.AssistantID))
	c.notify(snap)
	return p, nil
}

// Run streams the reply of p and applies its events until the terminal one. A stream that ends, or
// exceeds the turn timeout, without a terminal event fails the turn. Run returns once the turn is
// resolved or the conversation is closed.
func (c *Conversation) Run(ctx context.Context, p Pending) Reply {
	ctx, span := c.tracer.Start(ctx, "assistant.turn", trace.WithAttributes(
		attribute.String("conversation.id", c.id),
		attribute.String("turn.id", p.AssistantID),
	))
	defer span.End()

	start := c.now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.turnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, c.turnTimeout)
		defer cancelTimeout()
	}

	c.mu.Lock()
	if c.closed || c.current != p.AssistantID {
		c.mu.Unlock()
		return c.reply(p)
	}
	c.cancel = cancel
	c.mu.Unlock()

	terminal := false
	for ev := range c.assistant.Stream(runCtx, p.Request) {
		if runCtx.Err() != nil {
			break
		}
		c.apply(p, ev)
		if ev.Terminal() {
			terminal = true
			break
		}
	}

	if !terminal {
		ev := stream.Errorf(stream.ErrTruncated)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			ev = stream.Event{Kind: stream.KindError, Text: TimeoutText, Err: context.DeadlineExceeded}
		}
		c.apply(p, ev)
	}

	r := c.reply(p)
	outcome := "done"
	if r.State == StateFailed {
		outcome = "failed"
		span.SetStatus(codes.Error, r.Message.Content)
	}
	c.instruments.recordTurn(ctx, outcome, c.now().Sub(start))

	return r
}

// Close cancels the turn in flight, if any. The transcript keeps whatever the turn produced so far;
// later events are ignored and new submissions are refused.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Conversation) beginLocked(content string) (Pending, error) {
	if c.closed {
		return Pending{}, ErrClosed
	}
	if c.state == StateAwaitingReply {
		return Pending{}, ErrTurnInFlight
	}

	now := c.now()
	p := Pending{
		UserMessage: models.Message{
			ID:        c.newID(),
			Role:      models.RoleUser,
			Content:   content,
			Timestamp: now,
		},
		AssistantID: c.newID(),
		Request: models.ChatRequest{
			Message:     content,
			StudentID:   c.studentID,
			UserRole:    c.caller.Role,
			UserEmail:   c.caller.Email,
			ChatHistory: c.historyLocked(),
		},
	}

	c.transcript = transcript.Begin(c.transcript, p.UserMessage, p.AssistantID, now)
	c.state = StateAwaitingReply
	c.current = p.AssistantID
	c.failed = nil

	return p, nil
}

func (c *Conversation) historyLocked() []models.HistoryEntry {
	if c.historyWindow <= 0 {
		return nil
	}
	var history []models.HistoryEntry
	for _, m := range c.transcript.Messages {
		if m.IsError || m.IsStreaming || m.Content == "" {
			continue
		}
		history = append(history, models.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if len(history) > c.historyWindow {
		history = history[len(history)-c.historyWindow:]
	}
	return history
}

func (c *Conversation) apply(p Pending, ev stream.Event) {
	c.mu.Lock()
	if c.closed || c.current != p.AssistantID {
		c.mu.Unlock()
		c.logger.Debug("Ignoring event of inactive turn",
			slog.String("turnID", p.AssistantID),
			slog.String("kind", string(ev.Kind)))
		return
	}

	c.transcript = transcript.Reduce(c.transcript, p.AssistantID, ev)
	if ev.Terminal() {
		c.current = ""
		c.cancel = nil
		c.state = StateIdle
		if ev.Kind == stream.KindError {
			c.state = StateFailed
			c.failed = &p
		}
	}
	snap := c.snapshotLocked(p.AssistantID, ev)
	c.mu.Unlock()

	if ev.Err != nil {
		c.logger.Warn("Turn failed outside the reply stream",
			slog.String("turnID", p.AssistantID),
			slog.String(errLoggerKey, ev.Err.Error()))
	}
	c.instruments.recordEvent(context.Background(), ev.Kind)
	c.notify(snap)
}

func (c *Conversation) reply(p Pending) Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, _ := c.transcript.Message(p.AssistantID)
	turn, _ := c.transcript.Turn(p.AssistantID)
	return Reply{
		Message:  msg,
		Children: turn.Children,
		Err:      turn.Err,
		State:    c.state,
	}
}

func (c *Conversation) snapshotLocked(turnID string, ev stream.Event) Snapshot {
	return Snapshot{
		ConversationID: c.id,
		State:          c.state,
		TurnID:         turnID,
		Event:          ev,
		Transcript:     c.transcript,
	}
}

func (c *Conversation) notify(snap Snapshot) {
	if c.observer != nil {
		c.observer(snap)
	}
}
