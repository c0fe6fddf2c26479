package stream_test

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/stream"
)

func collect(r io.Reader) []stream.Event {
	var evs []stream.Event
	for ev := range stream.Decode(r, nil) {
		evs = append(evs, ev)
	}
	return evs
}

// withoutCause drops the Err field so decoded events can be compared by value.
func withoutCause(evs []stream.Event) []stream.Event {
	out := make([]stream.Event, len(evs))
	for i, ev := range evs {
		ev.Err = nil
		out[i] = ev
	}
	return out
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []stream.Event
	}{
		{
			name: "Named events",
			body: "event: status\ndata: {\"message\":\"thinking\"}\n\n" +
				"event: chunk\ndata: {\"content\":\"Hel\"}\n\n" +
				"event: chunk\ndata: {\"content\":\"lo!\"}\n\n" +
				"event: done\ndata: {}\n\n",
			want: []stream.Event{
				stream.Status("thinking"),
				stream.Chunk("Hel"),
				stream.Chunk("lo!"),
				stream.Done(),
			},
		},
		{
			name: "Typed payloads without event field",
			body: "data: {\"type\":\"response\",\"content\":\"Full answer.\"}\n\n" +
				"data: {\"type\":\"done\"}\n\n",
			want: []stream.Event{
				stream.Response("Full answer."),
				stream.Done(),
			},
		},
		{
			name: "Malformed records are skipped",
			body: "data: not json\n\n" +
				"event: bogus\ndata: {}\n\n" +
				"event: children\ndata: oops\n\n" +
				"event: chunk\ndata: {\"content\":\"ok\"}\n\n" +
				"data: [DONE]\n\n",
			want: []stream.Event{
				stream.Chunk("ok"),
				stream.Done(),
			},
		},
		{
			name: "Content records without content are skipped",
			body: "event: chunk\ndata: {\"score\": 42}\n\n" +
				"data: {\"type\":\"response\"}\n\n" +
				"event: chunk\ndata: {\"content\":\"\"}\n\n" +
				"event: done\ndata: {}\n\n",
			want: []stream.Event{
				stream.Chunk(""),
				stream.Done(),
			},
		},
		{
			name: "Raw text chunk",
			body: "event: chunk\ndata: plain text\n\nevent: done\ndata: {}\n\n",
			want: []stream.Event{
				stream.Chunk("plain text"),
				stream.Done(),
			},
		},
		{
			name: "Server error",
			body: "event: status\ndata: {\"message\":\"looking up\"}\n\n" +
				"event: error\ndata: {\"error\":\"Sorry, there was an error.\"}\n\n",
			want: []stream.Event{
				stream.Status("looking up"),
				stream.Error("Sorry, there was an error."),
			},
		},
		{
			name: "Children payload",
			body: "event: children\ndata: {\"children\":[{\"id\":\"c1\",\"name\":\"Aarav\",\"age\":7}]}\n\n" +
				"event: done\ndata: {}\n\n",
			want: []stream.Event{
				stream.Children([]models.Child{{ID: "c1", Name: "Aarav", Age: 7}}),
				stream.Done(),
			},
		},
		{
			name: "Events after terminal are not emitted",
			body: "event: done\ndata: {}\n\nevent: chunk\ndata: {\"content\":\"late\"}\n\n",
			want: []stream.Event{
				stream.Done(),
			},
		},
		{
			name: "Truncated stream",
			body: "event: chunk\ndata: {\"content\":\"partial\"}\n\n",
			want: []stream.Event{
				stream.Chunk("partial"),
				stream.Errorf(nil),
			},
		},
		{
			name: "Empty body",
			body: "",
			want: []stream.Event{
				stream.Errorf(nil),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withoutCause(collect(strings.NewReader(tt.body)))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeTruncatedCause(t *testing.T) {
	evs := collect(strings.NewReader("event: chunk\ndata: {\"content\":\"a\"}\n\n"))
	last := evs[len(evs)-1]
	if !errors.Is(last.Err, stream.ErrTruncated) {
		t.Errorf("last event error = %v, want %v", last.Err, stream.ErrTruncated)
	}
}

func TestDecodeTransportFailure(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("event: chunk\ndata: {\"content\":\"a\"}\n\n"),
		iotest.ErrReader(boom),
	)

	evs := collect(r)
	if len(evs) != 2 {
		t.Fatalf("Decode() returned %d events, want 2: %+v", len(evs), evs)
	}
	if !reflect.DeepEqual(evs[0], stream.Chunk("a")) {
		t.Errorf("first event = %+v, want chunk", evs[0])
	}
	if evs[1].Kind != stream.KindError || !errors.Is(evs[1].Err, boom) {
		t.Errorf("last event = %+v, want synthetic error wrapping %v", evs[1], boom)
	}
	if evs[1].Text != stream.DefaultErrorText {
		t.Errorf("last event text = %q, want %q", evs[1].Text, stream.DefaultErrorText)
	}
}

func TestDecodeStopsWhenConsumerStops(t *testing.T) {
	body := "event: chunk\ndata: {\"content\":\"a\"}\n\nevent: chunk\ndata: {\"content\":\"b\"}\n\n"
	count := 0
	for range stream.Decode(strings.NewReader(body), nil) {
		count++
		break
	}
	if count != 1 {
		t.Errorf("consumed %d events, want 1", count)
	}
}

func TestEncoderRoundTrip(t *testing.T) {
	events := []stream.Event{
		stream.Status("Thinking..."),
		stream.Children([]models.Child{{ID: "c1", Name: "Aarav"}, {ID: "c2", Name: "Diya", Age: 9}}),
		stream.Chunk("line one\n"),
		stream.Chunk("line two: {braces} and \"quotes\""),
		stream.Done(),
	}

	var buf bytes.Buffer
	enc := stream.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("Encode(%+v) error = %v", ev, err)
		}
	}

	got := collect(&buf)
	if !reflect.DeepEqual(got, events) {
		t.Errorf("round trip = %+v, want %+v", got, events)
	}
}

func TestEncoderRejectsUnknownKind(t *testing.T) {
	enc := stream.NewEncoder(io.Discard)
	if err := enc.Encode(stream.Event{Kind: "bogus"}); err == nil {
		t.Error("Encode() should reject unknown kinds")
	}
}
