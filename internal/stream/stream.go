package stream

import (
	"context"
	"sync"
	"time"
)

// EventType tags governance events pushed to live subscribers.
type EventType string

const (
	EventProposalCreated   EventType = "proposal.created"
	EventVoteCast          EventType = "vote.cast"
	EventStatusChanged     EventType = "proposal.status_changed"
	EventSessionAuthorized EventType = "session.authorized"
	EventTxSubmitted       EventType = "multisig.submitted"
	EventTxConfirmed       EventType = "multisig.confirmed"
	EventTxExecuted        EventType = "multisig.executed"
)

// Event is one governance happening for the SSE feed.
type Event struct {
	Type       EventType `json:"type"`
	ProposalID uint64    `json:"proposal_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	TxIndex    *uint64   `json:"tx_index,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs governance events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the current subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
