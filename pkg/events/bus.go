package events

import (
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Handler consumes one event. Handlers run on their own goroutine per
// publish; a panicking handler is isolated from its siblings.
type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out keyed by session id.
// Publishing to a session with no subscribers is a no-op, not an error.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Handler
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[string]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for a session's events and returns the
// subscription id used to unsubscribe.
func (b *Bus) Subscribe(sessionID string, h Handler) string {
	id, _ := gonanoid.New()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]Handler)
	}
	b.subs[sessionID][id] = h

	b.logger.Debug().
		Str("session_id", sessionID).
		Str("subscription_id", id).
		Msg("Subscriber registered")

	return id
}

// allSessions is the reserved subscription key for firehose handlers.
const allSessions = "*"

// SubscribeAll registers a handler for every session's events.
func (b *Bus) SubscribeAll(h Handler) string {
	return b.Subscribe(allSessions, h)
}

// UnsubscribeAll removes a firehose subscription.
func (b *Bus) UnsubscribeAll(subscriptionID string) {
	b.Unsubscribe(allSessions, subscriptionID)
}

// Unsubscribe removes one subscription; other handlers on the same
// session keep receiving.
func (b *Bus) Unsubscribe(sessionID, subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[sessionID]
	if !ok {
		return
	}
	delete(handlers, subscriptionID)
	if len(handlers) == 0 {
		delete(b.subs, sessionID)
	}
}

// SubscriberCount returns the number of live subscriptions for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Publish dispatches the event to a copy of the current handler set for
// its session, one goroutine per handler. Delivery is fire-and-forget:
// the publisher never waits, and a failing handler cannot suppress
// delivery to the others.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	registered := b.subs[evt.SessionID]
	firehose := b.subs[allSessions]
	handlers := make([]Handler, 0, len(registered)+len(firehose))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	for _, h := range firehose {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Interface("panic", r).
						Str("session_id", evt.SessionID).
						Str("event_type", string(evt.Type)).
						Msg("Event handler panicked")
				}
			}()
			h(evt)
		}()
	}
}

// Wait blocks until all in-flight handler goroutines finish. Intended for
// shutdown and tests.
func (b *Bus) Wait() {
	b.wg.Wait()
}
