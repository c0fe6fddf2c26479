// Package transcript applies the events of streamed assistant replies to an ordered list of messages.
//
// A Transcript is a value. Begin, Reduce and Discard return a new Transcript and never modify the one
// they are given, so a transcript can be rebuilt and inspected from any sequence of events.
package transcript

import (
	"maps"
	"slices"
	"time"

	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

// Transcript is the ordered list of messages of one conversation plus the transient status note of the
// reply in progress.
type Transcript struct {
	Messages []models.Message
	// Status is the latest progress note of the open turn. It is cleared by the first content-bearing
	// or terminal event.
	Status string

	turns map[string]Turn
}

// Turn is the side-channel state of one user turn, keyed by the reserved assistant message ID.
type Turn struct {
	ID         string
	UserID     string
	ReservedAt time.Time
	Children   []models.Child
	// Err holds the error text of a turn that failed after it had already produced content.
	Err    string
	Closed bool
}

// Begin appends the user message of a new turn and reserves assistantID for its reply. The assistant
// message itself only appears once the first content-bearing or terminal event arrives, stamped with
// reservedAt.
func Begin(t Transcript, user models.Message, assistantID string, reservedAt time.Time) Transcript {
	t = t.clone()
	t.Messages = append(t.Messages, user)
	t.Status = ""
	t.turns[assistantID] = Turn{
		ID:         assistantID,
		UserID:     user.ID,
		ReservedAt: reservedAt,
	}
	return t
}

// Reduce applies one event of the turn identified by turnID. Events for unknown turns, and for turns
// whose terminal event was already applied, leave the transcript unchanged.
func Reduce(t Transcript, turnID string, ev stream.Event) Transcript {
	turn, ok := t.turns[turnID]
	if !ok || turn.Closed {
		return t
	}

	t = t.clone()
	idx := t.index(turnID)

	switch ev.Kind {
	case stream.KindStatus:
		t.Status = ev.Text
	case stream.KindChunk:
		t.Status = ""
		if idx == -1 {
			t.Messages = append(t.Messages, assistantMessage(turn, ev.Text))
			break
		}
		if t.Messages[idx].IsStreaming {
			t.Messages[idx].Content += ev.Text
		}
	case stream.KindResponse:
		t.Status = ""
		// A full response after streamed chunks would duplicate their content, so only the first
		// content-bearing event creates the message.
		if idx == -1 {
			t.Messages = append(t.Messages, assistantMessage(turn, ev.Text))
		}
	case stream.KindChildren:
		turn.Children = slices.Clone(ev.Children)
	case stream.KindDone:
		t.Status = ""
		if idx != -1 {
			t.Messages[idx].IsStreaming = false
		}
		turn.Closed = true
	case stream.KindError:
		t.Status = ""
		switch {
		case idx == -1:
			t.Messages = append(t.Messages, errorMessage(turn, ev.Text))
		case t.Messages[idx].Content == "":
			t.Messages[idx] = errorMessage(turn, ev.Text)
		default:
			t.Messages[idx].IsStreaming = false
			turn.Err = ev.Text
		}
		turn.Closed = true
	default:
		return t
	}

	t.turns[turnID] = turn
	return t
}

// Discard removes a turn, its user message and its assistant message, from the transcript.
func Discard(t Transcript, turnID string) Transcript {
	turn, ok := t.turns[turnID]
	if !ok {
		return t
	}

	t = t.clone()
	t.Messages = slices.DeleteFunc(t.Messages, func(m models.Message) bool {
		return m.ID == turnID || m.ID == turn.UserID
	})
	delete(t.turns, turnID)
	return t
}

// FromMessages rebuilds a transcript from stored messages. Every turn in it is considered closed, so
// no event can modify the restored messages.
func FromMessages(messages []models.Message) Transcript {
	t := Transcript{
		Messages: slices.Clone(messages),
		turns:    make(map[string]Turn),
	}
	for i, m := range t.Messages {
		t.Messages[i].IsStreaming = false
		if m.Role == models.RoleAssistant {
			t.turns[m.ID] = Turn{ID: m.ID, ReservedAt: m.Timestamp, Closed: true}
		}
	}
	return t
}

// Message returns the message with the given ID.
func (t Transcript) Message(id string) (models.Message, bool) {
	idx := t.index(id)
	if idx == -1 {
		return models.Message{}, false
	}
	return t.Messages[idx], true
}

// Turn returns the side-channel state of the turn whose reply was reserved as id.
func (t Transcript) Turn(id string) (Turn, bool) {
	turn, ok := t.turns[id]
	return turn, ok
}

// Closed reports whether the terminal event of the turn was applied.
func (t Transcript) Closed(id string) bool {
	return t.turns[id].Closed
}

func (t Transcript) index(id string) int {
	return slices.IndexFunc(t.Messages, func(m models.Message) bool { return m.ID == id })
}

func (t Transcript) clone() Transcript {
	c := Transcript{
		Messages: slices.Clone(t.Messages),
		Status:   t.Status,
		turns:    maps.Clone(t.turns),
	}
	if c.turns == nil {
		c.turns = make(map[string]Turn)
	}
	return c
}

func assistantMessage(turn Turn, content string) models.Message {
	return models.Message{
		ID:          turn.ID,
		Role:        models.RoleAssistant,
		Content:     content,
		Timestamp:   turn.ReservedAt,
		IsStreaming: true,
	}
}

func errorMessage(turn Turn, text string) models.Message {
	return models.Message{
		ID:        turn.ID,
		Role:      models.RoleAssistant,
		Content:   text,
		Timestamp: turn.ReservedAt,
		IsError:   true,
	}
}
