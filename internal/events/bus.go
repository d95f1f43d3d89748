// Package events implements the in-process Event Bus (C11, spec §4.7)
// and its WebSocket subscription surface (spec §6.3). Delivery is
// at-most-once: a subscriber callback that panics or a dropped
// WebSocket connection loses events, which is acceptable because
// durable state is always recoverable from the persistence layer
// (spec §4.7). Grounded on the teacher's pkg/events package, whose
// ConnectionManager/Broadcast shape this generalises from WebSocket
// delivery to a full in-process pub/sub plus WebSocket relay.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one notification published on the bus.
type Event struct {
	Topic     string // e.g. "jobs.<id>.status", "campaigns.<id>.phase_advanced"
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// Topic helpers matching the shapes named in spec §4.7 / §6.3.
func JobTopic(id, event string) string      { return "jobs." + id + "." + event }
func CampaignTopic(id, event string) string { return "campaigns." + id + "." + event }
func ExpertTopic(name, event string) string { return "experts." + name + "." + event }

// highWaterMark bounds the pending-event queue; Publish does not block
// past it but drops (and logs) the event.
const highWaterMark = 4096

// Bus is the in-process publish/subscribe backbone. One dedicated
// goroutine drains published events and fans them out to subscriber
// callbacks, so publishers never re-enter subscriber code and
// subscriber code never blocks a publisher beyond the channel send
// (spec §4.7: "drains them on a dedicated worker to avoid re-entrant
// mutation of component state").
type Bus struct {
	queue chan Event

	mu   sync.RWMutex
	subs map[string]map[int]func(Event)
	next int

	stop chan struct{}
	done chan struct{}
}

// New constructs and starts a Bus. Callers must call Shutdown to stop
// the drain goroutine (spec §9: explicit init/shutdown, no ambient
// singleton).
func New() *Bus {
	b := &Bus{
		queue: make(chan Event, highWaterMark),
		subs:  make(map[string]map[int]func(Event)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.drain()
	return b
}

// Shutdown stops the drain goroutine, waiting for it to exit.
func (b *Bus) Shutdown() {
	close(b.stop)
	<-b.done
}

// Subscribe registers a callback for a topic, returning an unsubscribe
// token. Callbacks must not block or call back into the Bus.
func (b *Bus) Subscribe(topic string, cb func(Event)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Event))
	}
	b.subs[topic][id] = cb
	return id
}

// Unsubscribe removes a previously-registered callback.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish enqueues an event for asynchronous delivery. It never blocks
// the caller's state transition (spec §4.7): if the queue is saturated
// the event is dropped and logged rather than stalling the publisher,
// since durable state never depends on bus delivery.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.queue <- ev:
	default:
		slog.Warn("event bus queue saturated, dropping event", "topic", ev.Topic, "type", ev.Type)
	}
}

func (b *Bus) drain() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	cbs := make([]func(Event), 0, len(b.subs[ev.Topic]))
	for _, cb := range b.subs[ev.Topic] {
		cbs = append(cbs, cb)
	}
	b.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "topic", ev.Topic, "recover", r)
				}
			}()
			cb(ev)
		}()
	}
}
