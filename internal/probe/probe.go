// Package probe runs task readiness checks.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/launchpad/internal/config"
)

// Status is the readiness of a running task.
type Status string

const (
	// StatusUnknown is the state before the first verdict and is never
	// emitted.
	StatusUnknown Status = "unknown"
	StatusReady   Status = "ready"
	StatusUnready Status = "unready"
)

// Event describes a readiness transition emitted by Watch.
type Event struct {
	Status Status
	Reason string
	Err    error
	At     time.Time
}

// Prober performs a single readiness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// LogEntry is one captured output line offered to log-aware probers.
type LogEntry struct {
	Message string
	Source  string
}

// LogObserver consumes task output to drive log based readiness.
type LogObserver interface {
	ObserveLog(LogEntry)
}

type readyReporter interface {
	Ready() bool
}

// Option tunes how probers run.
type Option func(*options)

type options struct {
	workdir string
	env     []string
}

// WithWorkdir runs command checks in dir.
func WithWorkdir(dir string) Option {
	return func(o *options) {
		o.workdir = dir
	}
}

// WithEnv sets the environment of command checks.
func WithEnv(env []string) Option {
	return func(o *options) {
		o.env = env
	}
}

// New builds the prober described by spec. A nil spec yields a nil prober.
func New(spec *config.ReadySpec, opts ...Option) (Prober, error) {
	if spec == nil {
		return nil, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	probes := make(map[string]Prober, 4)
	if spec.HTTP != "" {
		probes["http"] = newHTTPProber(spec.HTTP, spec.ExpectStatus)
	}
	if spec.TCP != "" {
		probes["tcp"] = newTCPProber(spec.TCP)
	}
	if len(spec.Command) > 0 {
		prober, err := newCommandProber(spec.Command, o)
		if err != nil {
			return nil, err
		}
		probes["cmd"] = prober
	}
	if spec.LogPattern != "" {
		prober, err := newLogProber(spec.LogPattern, spec.LogSources)
		if err != nil {
			return nil, err
		}
		probes["log"] = prober
	}
	if len(probes) == 0 {
		return nil, errors.New("probe: missing configuration")
	}

	order, err := resolveProbeOrder(spec.Expression, probes)
	if err != nil {
		return nil, err
	}
	if len(order) == 1 {
		return probes[order[0]], nil
	}
	return newMultiProber(order, probes), nil
}

func resolveProbeOrder(expression string, probes map[string]Prober) ([]string, error) {
	if strings.TrimSpace(expression) == "" {
		order := make([]string, 0, len(probes))
		for _, alias := range []string{"http", "tcp", "cmd", "log"} {
			if _, ok := probes[alias]; ok {
				order = append(order, alias)
			}
		}
		return order, nil
	}

	tokens, err := parseExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	order := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, ok := probes[token]; !ok {
			return nil, fmt.Errorf("probe: expression references undefined probe %q", token)
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		order = append(order, token)
	}
	return order, nil
}

// Watch runs prober until ctx is cancelled and emits every transition
// between ready and unready. The channel is closed when the watch ends.
func Watch(ctx context.Context, prober Prober, spec *config.ReadySpec, now func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if ctx == nil || prober == nil || spec == nil {
		close(events)
		return events
	}
	if now == nil {
		now = time.Now
	}

	go func() {
		defer close(events)

		successNeeded := max(spec.SuccessThreshold, 1)
		failureAllowed := max(spec.FailureThreshold, 1)

		if spec.GracePeriod > 0 && !wait(ctx, spec.GracePeriod) {
			return
		}

		successes, failures := 0, 0
		status := StatusUnknown
		for {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if spec.Timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
			}
			err := prober.Probe(attemptCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}

			if err == nil {
				successes++
				failures = 0
				if successes >= successNeeded && status != StatusReady {
					status = StatusReady
					if !send(ctx, events, Event{Status: StatusReady, At: now()}) {
						return
					}
				}
			} else {
				if spec.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("timeout after %s", spec.Timeout)
				}
				successes = 0
				failures++
				if failures >= failureAllowed && status != StatusUnready {
					status = StatusUnready
					if !send(ctx, events, Event{Status: StatusUnready, Reason: err.Error(), Err: err, At: now()}) {
						return
					}
				}
			}

			if spec.Interval <= 0 {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if !wait(ctx, spec.Interval) {
				return
			}
		}
	}()
	return events
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func send(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		return true
	}
}

// multiProber succeeds as soon as any of its terms does.
type multiProber struct {
	terms     []probeTerm
	observers []LogObserver
}

type probeTerm struct {
	alias string
	probe Prober
	ready readyReporter
}

func newMultiProber(order []string, probes map[string]Prober) Prober {
	m := &multiProber{terms: make([]probeTerm, 0, len(order))}
	for _, alias := range order {
		prober := probes[alias]
		term := probeTerm{alias: alias, probe: prober}
		if rr, ok := prober.(readyReporter); ok {
			term.ready = rr
		}
		if observer, ok := prober.(LogObserver); ok {
			m.observers = append(m.observers, observer)
		}
		m.terms = append(m.terms, term)
	}
	return m
}

func (m *multiProber) ObserveLog(entry LogEntry) {
	for _, observer := range m.observers {
		observer.ObserveLog(entry)
	}
}

func (m *multiProber) Probe(ctx context.Context) error {
	for _, term := range m.terms {
		if term.ready != nil && term.ready.Ready() {
			return nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		alias string
		err   error
	}
	results := make(chan result, len(m.terms))
	for _, term := range m.terms {
		go func(alias string, prober Prober) {
			results <- result{alias: alias, err: prober.Probe(ctx)}
		}(term.alias, term.probe)
	}

	var errs []error
	for range m.terms {
		res := <-results
		if res.err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", res.alias, res.err))
	}
	return errors.Join(errs...)
}

// parseExpression accepts probe names joined by "or" / "||".
func parseExpression(expr string) ([]string, error) {
	tokens := strings.Fields(expr)
	if len(tokens) == 0 {
		return nil, errors.New("expression is empty")
	}
	expectProbe := true
	refs := make([]string, 0, (len(tokens)+1)/2)
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if expectProbe {
			switch lower {
			case "http", "tcp", "cmd", "log":
				refs = append(refs, lower)
				expectProbe = false
			default:
				return nil, fmt.Errorf("invalid probe reference %q", token)
			}
			continue
		}
		if lower != "or" && token != "||" {
			return nil, fmt.Errorf("unsupported operator %q", token)
		}
		expectProbe = true
	}
	if expectProbe {
		return nil, errors.New("expression is incomplete")
	}
	return refs, nil
}
