// Package shutdown creates the named graceful-exit events handed to
// supervised tasks.
package shutdown

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Paintersrp/launchpad/pkg/launchclient"
)

var errClosed = errors.New("shutdown signal closed")

// Signaler is the launcher side of one task's graceful-exit event.
type Signaler interface {
	// Name is the platform identity of the event.
	Name() string
	// Env returns the variables that let the child find the event.
	Env() map[string]string
	// Signal sets the event. Repeated and concurrent calls are safe.
	Signal() error
	// Signaled reports whether Signal has succeeded.
	Signaled() bool
	// Close removes the event so a later run starts unsignalled.
	Close() error
}

type platformEvent interface {
	value() string
	set() error
	close() error
}

type signaler struct {
	name  string
	group string
	task  string
	event platformEvent

	mu       sync.Mutex
	signaled bool
	closed   bool
}

// New creates the event for one run of a task.
func New(launchID, group, task string) (Signaler, error) {
	name := EventName(launchID, group, task)
	event, err := newPlatformEvent(name)
	if err != nil {
		return nil, fmt.Errorf("create shutdown signal %s: %w", name, err)
	}
	return &signaler{name: name, group: group, task: task, event: event}, nil
}

// EventName derives a portable event name from the launch identity.
func EventName(launchID, group, task string) string {
	id := launchID
	if len(id) > 8 {
		id = id[:8]
	}
	parts := []string{"launchpad", sanitize(group), sanitize(task), sanitize(id)}
	return strings.Join(parts, "-")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (s *signaler) Name() string {
	return s.name
}

func (s *signaler) Env() map[string]string {
	return map[string]string{
		launchclient.EnvShutdownEvent: s.event.value(),
		launchclient.EnvGroup:         s.group,
		launchclient.EnvTask:          s.task,
	}
}

func (s *signaler) Signal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if s.signaled {
		return nil
	}
	if err := s.event.set(); err != nil {
		return fmt.Errorf("signal %s: %w", s.name, err)
	}
	s.signaled = true
	return nil
}

func (s *signaler) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

func (s *signaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.event.close()
}
