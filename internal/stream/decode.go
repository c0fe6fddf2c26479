package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/tmaxmax/go-sse"
	"github.com/yestoryd/coach-assistant/internal/models"
)

// wireEvent is the JSON payload of one event record. The kind travels either in the SSE event field or
// in Type.
type wireEvent struct {
	Type     Kind           `json:"type,omitempty"`
	Message  string         `json:"message,omitempty"`
	Content  *string        `json:"content,omitempty"`
	Children []models.Child `json:"children,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// doneSentinel is accepted as a done event, as OpenAI-compatible servers end their streams with it.
const doneSentinel = "[DONE]"

// Decode reads server-sent events from r and returns them as a lazy sequence of typed events, in the
// order they were framed. Records that cannot be understood are skipped. A read failure becomes a
// synthetic error event, and so does a body that ends before any terminal event. The sequence stops
// right after the first terminal event, so it always ends with exactly one of them unless the consumer
// stops early.
//
// The returned sequence reads from r while it is iterated and cannot be restarted.
func Decode(r io.Reader, logger *slog.Logger) iter.Seq[Event] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(yield func(Event) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(Errorf(fmt.Errorf("error reading stream: %w", err)))
				return
			}

			e, ok := parseEvent(ev)
			if !ok {
				logger.Debug("Skipping malformed event",
					slog.String("type", ev.Type),
					slog.String("data", ev.Data))
				continue
			}

			if !yield(e) {
				return
			}
			if e.Terminal() {
				return
			}
		}
		yield(Errorf(ErrTruncated))
	}
}

func parseEvent(ev sse.Event) (Event, bool) {
	if strings.TrimSpace(ev.Data) == doneSentinel {
		return Done(), true
	}

	var w wireEvent
	jsonErr := json.Unmarshal([]byte(ev.Data), &w)

	kind := Kind(ev.Type)
	if kind == "" {
		if jsonErr != nil {
			return Event{}, false
		}
		kind = w.Type
	}

	switch kind {
	case KindStatus:
		if jsonErr != nil {
			return Status(ev.Data), true
		}
		if w.Message == "" && w.Content != nil {
			return Status(*w.Content), true
		}
		return Status(w.Message), true
	case KindChunk:
		if jsonErr != nil {
			return Chunk(ev.Data), true
		}
		if w.Content == nil {
			return Event{}, false
		}
		return Chunk(*w.Content), true
	case KindResponse:
		if jsonErr != nil {
			return Response(ev.Data), true
		}
		if w.Content == nil {
			return Event{}, false
		}
		return Response(*w.Content), true
	case KindChildren:
		if jsonErr != nil {
			return Event{}, false
		}
		return Children(w.Children), true
	case KindDone:
		return Done(), true
	case KindError:
		if jsonErr != nil {
			return Error(ev.Data), true
		}
		if w.Error == "" {
			return Error(w.Message), true
		}
		return Error(w.Error), true
	default:
		return Event{}, false
	}
}
