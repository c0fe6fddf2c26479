package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tmaxmax/go-sse"
)

// Encoder writes events in the framing Decode reads: the SSE event field names the kind and the data
// field holds the JSON payload, which repeats the kind under "type".
type Encoder struct {
	w io.Writer
}

type flusher interface {
	Flush()
}

// NewEncoder returns an Encoder writing to w. If w can be flushed, as an http.ResponseWriter usually
// can, every event is flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event.
func (e *Encoder) Encode(ev Event) error {
	w := wireEvent{Type: ev.Kind}
	switch ev.Kind {
	case KindStatus:
		w.Message = ev.Text
	case KindChunk, KindResponse:
		text := ev.Text
		w.Content = &text
	case KindChildren:
		w.Children = ev.Children
	case KindError:
		w.Error = ev.Text
	case KindDone:
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sse.Message{Type: sse.Type(string(ev.Kind))}
	msg.AppendData(string(data))
	if _, err := msg.WriteTo(e.w); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}
