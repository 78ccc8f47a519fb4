// Package eventbus provides the in-process publish/subscribe bus used for
// cross-service lookups. Services that own an entity subscribe to request
// events and publish tagged responses; callers use RequestReply to wait for
// the matching response with a bounded timeout.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds a RequestReply round trip when the caller
// does not specify its own timeout.
const DefaultRequestTimeout = 2 * time.Second

// Handler processes a published event payload. Handlers run synchronously
// on the publisher's goroutine, in subscription order.
type Handler func(payload interface{})

// Correlated is implemented by request/reply payloads that carry a
// correlation id. Embed Correlation to satisfy it.
type Correlated interface {
	CorrelationID() string
	SetCorrelationID(id string)
}

// Correlation is the embeddable correlation id carried by request/reply
// payloads.
type Correlation struct {
	RequestID string `json:"requestId"`
}

func (c *Correlation) CorrelationID() string      { return c.RequestID }
func (c *Correlation) SetCorrelationID(id string) { c.RequestID = id }

type subscriber struct {
	id      uint64
	handler Handler
}

// Subscription is the cancellation handle returned by Subscribe.
type Subscription struct {
	bus       *Bus
	eventType string
	id        uint64
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.eventType, s.id)
}

// Bus is a typed publish/subscribe channel. The zero value is not usable;
// create one with New.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscriber
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[string][]*subscriber),
	}
}

// Subscribe registers a handler for an event type and returns its
// cancellation handle.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[eventType] = append(b.subs[eventType], &subscriber{id: b.nextID, handler: handler})
	return &Subscription{bus: b, eventType: eventType, id: b.nextID}
}

func (b *Bus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to all current subscribers of eventType, in
// subscription order. The subscriber snapshot is taken under the lock but
// handlers run outside it, so a handler may publish further events.
func (b *Bus) Publish(eventType string, payload interface{}) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// Request describes one RequestReply round trip.
type Request struct {
	RequestType  string
	Payload      Correlated
	ResponseType string
	// Matcher decides whether a response payload answers this request.
	// When nil, a response matches if it carries the same correlation id.
	Matcher func(payload interface{}) bool
	Timeout time.Duration
}

// RequestReply publishes the tagged request and waits for the first
// matching response event. It resolves exactly once: either with the first
// match, or with ok=false after the timeout elapses. Late duplicate
// responses are ignored. A missing correlation id is generated before
// publishing.
func (b *Bus) RequestReply(req Request) (interface{}, bool) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultRequestTimeout
	}
	if req.Payload.CorrelationID() == "" {
		req.Payload.SetCorrelationID(uuid.NewString())
	}
	correlationID := req.Payload.CorrelationID()

	match := req.Matcher
	if match == nil {
		match = func(payload interface{}) bool {
			c, ok := payload.(Correlated)
			return ok && c.CorrelationID() == correlationID
		}
	}

	var once sync.Once
	result := make(chan interface{}, 1)
	sub := b.Subscribe(req.ResponseType, func(payload interface{}) {
		if match(payload) {
			once.Do(func() { result <- payload })
		}
	})
	defer sub.Cancel()

	b.Publish(req.RequestType, req.Payload)

	select {
	case res := <-result:
		return res, true
	case <-time.After(req.Timeout):
		b.logger.Debug().
			Str("requestType", req.RequestType).
			Str("correlationId", correlationID).
			Msg("request timed out without a matching response")
		return nil, false
	}
}
