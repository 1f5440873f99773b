// Package events carries launcher lifecycle notifications between the
// supervision engine and its observers.
package events

import (
	"github.com/kelindar/event"
)

// Event type identifiers. Each concrete event type owns exactly one.
const (
	TypeTaskPhase uint32 = iota + 1
	TypeGroupShutdown
	TypeOutputDropped
	TypeTaskReady
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Bus wraps a kelindar/event dispatcher. Handlers run asynchronously and
// receive events of one type in publication order.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish broadcasts ev to every subscriber of its type. Publishing on a nil
// bus is a no-op.
func Publish[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers handler for events of type T and returns an
// unsubscribe function.
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}

// SubscribeToChannel forwards events of type T to ch, dropping them when ch
// is full.
func SubscribeToChannel[T Event](b *Bus, ch chan<- T) func() {
	return Subscribe(b, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
