// Package events fans job progress out to stream subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

// DefaultBuffer is the per-subscriber buffer when none is configured
const DefaultBuffer = 32

// Event is one message on a job's stream
type Event struct {
	Type      types.EventType    `json:"type"`
	JobID     string             `json:"job_id"`
	Progress  int                `json:"progress"`
	Processed int                `json:"processed"`
	Total     int                `json:"total"`
	Results   *models.JobResults `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// IsTerminal reports whether e ends its stream
func (e Event) IsTerminal() bool {
	return e.Type == types.EventCompleted || e.Type == types.EventError
}

// Sink receives every published event in addition to stream subscribers
type Sink interface {
	Publish(e Event) error
}

// Subscription is one consumer of a job's stream. The channel closes after
// the terminal event or when the subscription is closed.
type Subscription struct {
	jobID  string
	ch     chan Event
	broker *Broker
	closed bool // guarded by broker.mu
}

// Events returns the receive side of the subscription
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// JobID returns the job this subscription follows
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close unsubscribes; it is safe to call more than once
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

type topic struct {
	subs     map[*Subscription]struct{}
	last     *Event
	finished bool
}

// Broker is a per-job publish/subscribe hub. Publishing never blocks: a full
// subscriber buffer drops its oldest event to make room, so terminal events
// are always delivered.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	buffer  int
	sinks   []Sink
	logger  *logging.Logger
	dropped atomic.Int64
}

// NewBroker creates a broker with the given per-subscriber buffer
func NewBroker(buffer int, logger *logging.Logger, sinks ...Sink) *Broker {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Broker{
		topics: make(map[string]*topic),
		buffer: buffer,
		sinks:  sinks,
		logger: logger.WithComponent("events"),
	}
}

// Publish delivers e to every subscriber of e.JobID. Events after a terminal
// event are ignored.
func (b *Broker) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	t := b.topic(e.JobID)
	if t.finished {
		b.mu.Unlock()
		b.logger.WithFields(map[string]interface{}{
			"job_id": e.JobID,
			"type":   e.Type,
		}).Warn("Dropping event published after stream end")
		return
	}

	ev := e
	t.last = &ev
	for sub := range t.subs {
		b.deliver(sub, e)
	}
	if e.IsTerminal() {
		t.finished = true
		for sub := range t.subs {
			sub.closed = true
			close(sub.ch)
		}
		t.subs = make(map[*Subscription]struct{})
	}
	b.mu.Unlock()

	for _, sink := range b.sinks {
		if err := sink.Publish(e); err != nil {
			b.logger.WithError(err).WithField("job_id", e.JobID).Warn("Event sink publish failed")
		}
	}
}

// Subscribe follows jobID's stream. A late subscriber first receives the most
// recent event; if the stream already ended it receives the terminal event and
// a closed channel.
func (b *Broker) Subscribe(jobID string) *Subscription {
	sub := &Subscription{jobID: jobID, ch: make(chan Event, b.buffer), broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	if t.last != nil {
		sub.ch <- *t.last
	}
	if t.finished {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Forget drops all state for jobID, closing any remaining subscriptions
func (b *Broker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.closed = true
		close(sub.ch)
	}
	delete(b.topics, jobID)
}

// Dropped returns how many events were discarded to make room for newer ones
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscribers across all jobs
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		n += len(t.subs)
	}
	return n
}

func (b *Broker) topic(jobID string) *topic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[jobID] = t
	}
	return t
}

// deliver sends without blocking, evicting the oldest buffered event when full.
// Callers hold b.mu, so no other sender can refill the slot.
func (b *Broker) deliver(sub *Subscription, e Event) {
	for {
		select {
		case sub.ch <- e:
			return
		default:
		}
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if t, ok := b.topics[sub.jobID]; ok {
		delete(t.subs, sub)
	}
}
