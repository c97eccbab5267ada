// Package transcript holds the ordered conversation shown to the user.
//
// Every mutation installs a fresh message slice; slices handed out in
// snapshots are never written again, so observers may keep them.
package transcript

import (
	"errors"
	"sync"

	"github.com/loqalabs/bookwise/internal/notify"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one turn in the conversation.
type Message struct {
	Sender       Sender `json:"sender"`
	Text         string `json:"text"`
	BookTitle    string `json:"book_title,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	ImageLoading bool   `json:"image_loading,omitempty"`
}

// Snapshot is an immutable view of the transcript at one version.
type Snapshot struct {
	Version  uint64    `json:"version"`
	Messages []Message `json:"messages"`
}

// Len returns the number of messages in the snapshot.
func (s Snapshot) Len() int { return len(s.Messages) }

// At returns the message at index, if present.
func (s Snapshot) At(index int) (Message, bool) {
	if index < 0 || index >= len(s.Messages) {
		return Message{}, false
	}
	return s.Messages[index], true
}

var ErrIndexOutOfRange = errors.New("message index out of range")

// Listener observes snapshots in mutation order. Listeners must not mutate
// the store from inside the callback.
type Listener func(Snapshot)

// Store is the single mutation gate for the transcript.
type Store struct {
	mu       sync.Mutex
	messages []Message
	version  uint64

	seq       notify.Sequencer
	listeners map[int]Listener
	nextID    int
}

func NewStore() *Store {
	return &Store{listeners: make(map[int]Listener)}
}

// Snapshot returns the current transcript.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Version: s.version, Messages: s.messages}
}

// Len returns the current number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Append adds messages in order and returns the index of the first one.
func (s *Store) Append(msgs ...Message) int {
	s.mu.Lock()
	first := len(s.messages)
	next := make([]Message, len(s.messages), len(s.messages)+len(msgs))
	copy(next, s.messages)
	next = append(next, msgs...)
	s.install(next)
	return first
}

// Update replaces the message at index with fn's result. fn sees the current
// message and reports whether anything changed; when it returns false the
// transcript is left as is and no snapshot is emitted.
func (s *Store) Update(index int, fn func(Message) (Message, bool)) (bool, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) {
		s.mu.Unlock()
		return false, ErrIndexOutOfRange
	}
	updated, changed := fn(s.messages[index])
	if !changed {
		s.mu.Unlock()
		return false, nil
	}
	next := make([]Message, len(s.messages))
	copy(next, s.messages)
	next[index] = updated
	s.install(next)
	return true, nil
}

// install must be called with s.mu held; it releases it.
func (s *Store) install(next []Message) {
	s.messages = next
	s.version++
	snap := Snapshot{Version: s.version, Messages: next}

	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	// Listeners see snapshots in mutation order; the store stays unlocked
	// while they run.
	ticket := s.seq.Ticket()
	s.mu.Unlock()
	s.seq.Deliver(ticket, func() {
		for _, l := range listeners {
			l(snap)
		}
	})
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
