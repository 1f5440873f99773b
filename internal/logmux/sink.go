// Package logmux fans captured task output out to independent consumers.
package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/runtime"
)

// DefaultBuffer is the queue size used by subscribers that ask for none.
const DefaultBuffer = 1024

// Line is one line of task output.
type Line struct {
	Timestamp time.Time
	Task      string
	Source    string
	Text      string
}

// Meta reports whether the line was synthesized by the launcher.
func (l Line) Meta() bool {
	return l.Source == runtime.LogSourceSystem
}

// DropEvent is published whenever a subscriber queue overflows.
type DropEvent struct {
	Task  string
	Count int
}

// Type implements events.Event.
func (DropEvent) Type() uint32 {
	return events.TypeOutputDropped
}

// Option configures a Sink.
type Option func(*Sink)

// WithEventBus publishes a DropEvent for every dropped line.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Sink) {
		s.bus = bus
	}
}

// WithTasks declares the tasks that will publish, so every subscriber splits
// its queue between them from the first line on.
func WithTasks(names ...string) Option {
	return func(s *Sink) {
		s.tasks = append(s.tasks, names...)
	}
}

// Sink delivers output lines to subscribers. Each subscriber owns a bounded
// queue split evenly between the tasks it has seen; a task over its share
// drops the new line and later delivers a dropped=N meta line ahead of its
// next line. Publish never blocks.
type Sink struct {
	bus   *events.Bus
	tasks []string

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropMu  sync.Mutex
	dropped map[string]uint64

	now func() time.Time
}

type subscriber struct {
	mu      sync.Mutex
	out     chan Line
	pending map[string]int

	// held counts each task's lines still in out. queued lists the task of
	// every line sent and not yet known to be consumed, oldest first.
	held   map[string]int
	queued []string
}

// New constructs an empty sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		subs:    make(map[*subscriber]struct{}),
		dropped: make(map[string]uint64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a consumer with a queue of the provided size. The
// returned release function unregisters it and closes the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{
		out:     make(chan Line, buffer),
		pending: make(map[string]int),
		held:    make(map[string]int),
	}
	for _, task := range s.tasks {
		sub.held[task] = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[sub]; !ok {
				return
			}
			delete(s.subs, sub)
			close(sub.out)
		})
	}
}

// Publish stamps the line and hands it to every subscriber.
func (s *Sink) Publish(task, source, text string) {
	if source == "" {
		source = runtime.LogSourceStdout
	}
	line := Line{Timestamp: s.now(), Task: task, Source: source, Text: text}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for sub := range s.subs {
		if !sub.deliver(line, s.now) {
			s.recordDrop(task)
		}
	}
}

// Dropped returns how many lines of task were dropped across subscribers.
func (s *Sink) Dropped(task string) uint64 {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped[task]
}

// Close delivers pending drop notices where there is room and closes every
// subscriber channel.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.flush(s.now)
		close(sub.out)
		delete(s.subs, sub)
	}
}

func (s *Sink) recordDrop(task string) {
	s.dropMu.Lock()
	s.dropped[task]++
	s.dropMu.Unlock()
	events.Publish(s.bus, DropEvent{Task: task, Count: 1})
}

func (sub *subscriber) deliver(line Line, now func() time.Time) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.held[line.Task]; !ok {
		sub.held[line.Task] = 0
	}
	sub.settle()
	if n := sub.pending[line.Task]; n > 0 {
		if !sub.sendShare(dropNotice(line.Task, n, now())) {
			sub.pending[line.Task]++
			return false
		}
		delete(sub.pending, line.Task)
	}
	if sub.sendShare(line) {
		return true
	}
	sub.pending[line.Task]++
	return false
}

// settle releases the slots of lines the consumer has taken. The channel is
// FIFO, so they are the oldest entries of queued.
func (sub *subscriber) settle() {
	consumed := len(sub.queued) - len(sub.out)
	for _, task := range sub.queued[:consumed] {
		sub.held[task]--
	}
	sub.queued = sub.queued[consumed:]
}

func (sub *subscriber) share() int {
	return max(1, cap(sub.out)/max(1, len(sub.held)))
}

func (sub *subscriber) sendShare(line Line) bool {
	if sub.held[line.Task] >= sub.share() {
		return false
	}
	return sub.trySend(line)
}

func (sub *subscriber) flush(now func() time.Time) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for task, n := range sub.pending {
		if !sub.trySend(dropNotice(task, n, now())) {
			return
		}
		delete(sub.pending, task)
	}
}

func (sub *subscriber) trySend(line Line) bool {
	select {
	case sub.out <- line:
		sub.held[line.Task]++
		sub.queued = append(sub.queued, line.Task)
		return true
	default:
		return false
	}
}

func dropNotice(task string, count int, ts time.Time) Line {
	return Line{
		Timestamp: ts,
		Task:      task,
		Source:    runtime.LogSourceSystem,
		Text:      fmt.Sprintf("dropped=%d", count),
	}
}
