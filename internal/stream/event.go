// Package stream decodes and encodes the event stream of a streamed assistant reply. A reply is a
// sequence of typed events: zero or more status notes and content fragments, optional auxiliary data,
// and exactly one terminal event.
package stream

import (
	"errors"

	"github.com/yestoryd/coach-assistant/internal/models"
)

// Kind discriminates the events of a reply.
type Kind string

const (
	// KindStatus is an intermediate, human-readable progress note.
	KindStatus Kind = "status"
	// KindChunk is an incremental fragment of the assistant's output.
	KindChunk Kind = "chunk"
	// KindResponse is a complete reply delivered in one piece.
	KindResponse Kind = "response"
	// KindChildren carries the list of students related to the reply.
	KindChildren Kind = "children"
	// KindDone terminates a successful reply.
	KindDone Kind = "done"
	// KindError terminates a failed reply.
	KindError Kind = "error"
)

// DefaultErrorText is shown in place of a reply when a failure carries no message of its own.
const DefaultErrorText = "Sorry, there was an error. Please try again."

// ErrTruncated reports a reply stream that ended without a terminal event.
var ErrTruncated = errors.New("stream ended without a terminal event")

// Event is one decoded unit of a reply. Text holds the status note, the chunk or full response text,
// or the error message, depending on Kind. Children is only set for KindChildren.
type Event struct {
	Kind     Kind
	Text     string
	Children []models.Child

	// Err is the underlying cause of a synthetic error event, such as a transport failure. It is nil for
	// errors reported by the server itself.
	Err error
}

// Status returns a status event.
func Status(message string) Event { return Event{Kind: KindStatus, Text: message} }

// Chunk returns a content fragment event.
func Chunk(text string) Event { return Event{Kind: KindChunk, Text: text} }

// Response returns a full response event.
func Response(fullText string) Event { return Event{Kind: KindResponse, Text: fullText} }

// Children returns an auxiliary children event.
func Children(children []models.Child) Event { return Event{Kind: KindChildren, Children: children} }

// Done returns the terminal success event.
func Done() Event { return Event{Kind: KindDone} }

// Error returns a terminal error event carrying message. An empty message is replaced with
// DefaultErrorText.
func Error(message string) Event {
	if message == "" {
		message = DefaultErrorText
	}
	return Event{Kind: KindError, Text: message}
}

// Errorf returns a synthetic terminal error event for a failure that happened outside the server's
// event stream, for example a dropped connection.
func Errorf(cause error) Event {
	return Event{Kind: KindError, Text: DefaultErrorText, Err: cause}
}

// Terminal reports whether e ends a reply.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
