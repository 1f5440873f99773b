package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cause identifies what asserted a group shutdown.
type Cause string

const (
	// CauseExternal is an operator request: OS signal, status window,
	// control API or a cancelled run context.
	CauseExternal Cause = "external"
	// CauseCascade is a quit-on-terminate task ending.
	CauseCascade Cause = "cascade"
	// CauseFatal is a process tree that could not be killed.
	CauseFatal Cause = "fatal"
)

// ShutdownRequest is the group-wide stop flag. It is set at most once and
// never cleared.
type ShutdownRequest struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	cause  Cause
	origin string
	at     time.Time
}

func newShutdownRequest() *ShutdownRequest {
	return &ShutdownRequest{done: make(chan struct{})}
}

// trigger sets the request. Only the first call has any effect.
func (r *ShutdownRequest) trigger(cause Cause, origin string) bool {
	fired := false
	r.once.Do(func() {
		r.mu.Lock()
		r.cause = cause
		r.origin = origin
		r.at = time.Now()
		r.mu.Unlock()
		r.set.Store(true)
		close(r.done)
		fired = true
	})
	return fired
}

// IsSet reports whether shutdown has been requested.
func (r *ShutdownRequest) IsSet() bool {
	return r.set.Load()
}

// Done is closed once shutdown has been requested.
func (r *ShutdownRequest) Done() <-chan struct{} {
	return r.done
}

// Cause returns why and by whom shutdown was requested. Both are empty
// while the request is unset.
func (r *ShutdownRequest) Cause() (Cause, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause, r.origin
}

// RequestedAt returns when the request was set.
func (r *ShutdownRequest) RequestedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.at
}

// Sleep waits for d unless shutdown is requested first. It returns true
// when the full duration elapsed with the request still unset.
func (r *ShutdownRequest) Sleep(d time.Duration) bool {
	if r.IsSet() {
		return false
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-r.done:
			return false
		case <-timer.C:
		}
	}
	return !r.IsSet()
}
