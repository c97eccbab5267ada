package chat

import (
	"context"
	"errors"
	"io"
	"strings"
)

// TitlePrefix introduces the recommended book title in the reply stream.
const TitlePrefix = "TITLE::"

// EventKind tags one step of a decoded chat stream.
type EventKind int

const (
	EventFragment EventKind = iota
	EventTitle
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventTitle:
		return "title"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one item of a stream. Text holds the fragment or title, Err the
// failure for EventError.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// ErrEmptyResponse is reported when a stream ends without any content.
var ErrEmptyResponse = errors.New("chat stream ended without content")

const readBufferSize = 4096

// Splitter turns decoded reads into events. A transport read may carry
// several server chunks, so a title sentinel is found anywhere in a read:
// text before it is a fragment and the rest of the read is the title. A
// read ending in a partial sentinel holds that tail back for the next read.
// The zero value is ready to use.
type Splitter struct {
	pending string
}

// Split returns the events carried by one decoded read, in order.
func (s *Splitter) Split(text string) []Event {
	text = s.pending + text
	s.pending = ""

	var events []Event
	for text != "" {
		at := strings.Index(text, TitlePrefix)
		if at < 0 {
			keep := partialPrefix(text)
			s.pending = text[len(text)-keep:]
			events = appendFragment(events, text[:len(text)-keep])
			break
		}
		events = appendFragment(events, text[:at])
		text = text[at+len(TitlePrefix):]
		end := strings.Index(text, TitlePrefix)
		if end < 0 {
			end = len(text)
		}
		if title := strings.TrimSpace(text[:end]); title != "" {
			events = append(events, Event{Kind: EventTitle, Text: title})
		}
		text = text[end:]
	}
	return events
}

// Flush releases a held-back tail as text once the stream has ended.
func (s *Splitter) Flush() []Event {
	text := s.pending
	s.pending = ""
	return appendFragment(nil, text)
}

func appendFragment(events []Event, text string) []Event {
	if text == "" {
		return events
	}
	return append(events, Event{Kind: EventFragment, Text: text})
}

// partialPrefix reports how many trailing bytes of text could begin a
// title sentinel.
func partialPrefix(text string) int {
	for n := len(TitlePrefix) - 1; n > 0; n-- {
		if strings.HasSuffix(text, TitlePrefix[:n]) {
			return n
		}
	}
	return 0
}

// Stream reads body until EOF or error and emits events in arrival order.
// The channel always ends with exactly one EventDone or EventError and is
// then closed. body is closed when reading stops.
func Stream(ctx context.Context, body io.ReadCloser) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		defer body.Close()

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			dec      Decoder
			splitter Splitter
			content  bool
			buf      = make([]byte, readBufferSize)
		)
		apply := func(evs []Event) bool {
			for _, ev := range evs {
				content = true
				if !emit(ev) {
					return false
				}
			}
			return true
		}
		for {
			n, err := body.Read(buf)
			if n > 0 && !apply(splitter.Split(dec.Decode(buf[:n]))) {
				return
			}
			if err == nil {
				continue
			}
			if !errors.Is(err, io.EOF) {
				emit(Event{Kind: EventError, Err: err})
				return
			}
			if !apply(splitter.Split(dec.Flush())) || !apply(splitter.Flush()) {
				return
			}
			if !content {
				emit(Event{Kind: EventError, Err: ErrEmptyResponse})
				return
			}
			emit(Event{Kind: EventDone})
			return
		}
	}()
	return events
}
