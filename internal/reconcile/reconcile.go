// Package reconcile merges the three sources of messages a client sees for an
// open thread: its own optimistic sends, the server's confirmation of those
// sends, and realtime pushes. Server ids are strictly increasing, so ordering
// and deduplication both key on the id.
package reconcile

import (
	"errors"
	"math"
	"slices"
	"time"
)

// Message is the client-side view of a thread message.
type Message struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"threadId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Redacted  bool      `json:"redacted,omitempty"`
	Pending   bool      `json:"-"`
}

// MergeConfirmed replaces the optimistic placeholder with the server's copy.
// Any earlier delivery of the same server message is dropped first, so the
// call is idempotent.
func MergeConfirmed(current []Message, optimisticID int64, server Message) []Message {
	out := make([]Message, 0, len(current)+1)
	for _, msg := range current {
		if msg.ID == optimisticID || msg.ID == server.ID {
			continue
		}
		out = append(out, msg)
	}
	out = append(out, server)
	return normalize(out)
}

// AppendRealtime adds a pushed message unless its id is already present.
func AppendRealtime(current []Message, incoming Message) []Message {
	for _, msg := range current {
		if msg.ID == incoming.ID {
			return normalize(current)
		}
	}
	out := make([]Message, 0, len(current)+1)
	out = append(out, current...)
	out = append(out, incoming)
	return normalize(out)
}

// Redact returns a copy of current with the message id shown as removed.
// Unknown ids leave the sequence unchanged.
func Redact(current []Message, id int64, marker string) []Message {
	out := normalize(current)
	for i, msg := range out {
		if msg.ID != id {
			continue
		}
		if msg.Redacted && msg.Body == marker {
			return out
		}
		out = slices.Clone(out)
		out[i].Body = marker
		out[i].Redacted = true
		return out
	}
	return out
}

// normalize returns messages sorted by id with duplicate ids removed. Input
// that is already in that shape is returned as is.
func normalize(messages []Message) []Message {
	if isSortedUnique(messages) {
		return messages
	}
	out := slices.Clone(messages)
	slices.SortStableFunc(out, func(a, b Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return slices.CompactFunc(out, func(a, b Message) bool { return a.ID == b.ID })
}

func isSortedUnique(messages []Message) bool {
	for i := 1; i < len(messages); i++ {
		if messages[i-1].ID >= messages[i].ID {
			return false
		}
	}
	return true
}

var ErrSendPending = errors.New("a message is already awaiting confirmation")

// State is a single thread's message list with at most one optimistic
// placeholder. It is not safe for concurrent use.
type State struct {
	messages  []Message
	pendingID int64
}

func NewState(initial []Message) *State {
	return &State{messages: normalize(slices.Clone(initial))}
}

// Optimistic inserts a placeholder for a message that has been sent but not
// confirmed. Placeholder ids count down from MaxInt64 so they sort after
// every server id.
func (s *State) Optimistic(threadID, senderID, body string, now time.Time) (Message, error) {
	if s.pendingID != 0 {
		return Message{}, ErrSendPending
	}
	placeholder := Message{
		ID:        math.MaxInt64 - int64(len(s.messages)),
		ThreadID:  threadID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: now,
		Pending:   true,
	}
	s.pendingID = placeholder.ID
	s.messages = AppendRealtime(s.messages, placeholder)
	return placeholder, nil
}

func (s *State) Confirm(optimisticID int64, server Message) {
	s.messages = MergeConfirmed(s.messages, optimisticID, server)
	if optimisticID == s.pendingID {
		s.pendingID = 0
	}
}

func (s *State) Realtime(incoming Message) {
	s.messages = AppendRealtime(s.messages, incoming)
}

func (s *State) Redact(id int64, marker string) {
	s.messages = Redact(s.messages, id, marker)
}

// Fail drops the placeholder of a send the server rejected.
func (s *State) Fail(optimisticID int64) {
	s.messages = slices.DeleteFunc(slices.Clone(s.messages), func(m Message) bool { return m.ID == optimisticID })
	if optimisticID == s.pendingID {
		s.pendingID = 0
	}
}

func (s *State) Messages() []Message {
	return slices.Clone(s.messages)
}

func (s *State) Pending() bool {
	return s.pendingID != 0
}
