package probe

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// logProber turns ready once a matching output line was seen and stays
// ready for the lifetime of the process.
type logProber struct {
	pattern *regexp.Regexp
	sources map[string]struct{}

	matched atomic.Bool
	notify  chan struct{}
	once    sync.Once
}

func newLogProber(pattern string, sources []string) (Prober, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if lower := strings.ToLower(strings.TrimSpace(src)); lower != "" {
			set[lower] = struct{}{}
		}
	}
	return &logProber{pattern: re, sources: set, notify: make(chan struct{})}, nil
}

func (p *logProber) Probe(ctx context.Context) error {
	if p.matched.Load() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.notify:
		return nil
	}
}

func (p *logProber) ObserveLog(entry LogEntry) {
	if p.matched.Load() {
		return
	}
	if len(p.sources) > 0 {
		if _, ok := p.sources[strings.ToLower(entry.Source)]; !ok {
			return
		}
	}
	if !p.pattern.MatchString(entry.Message) {
		return
	}
	if p.matched.CompareAndSwap(false, true) {
		p.once.Do(func() { close(p.notify) })
	}
}

func (p *logProber) Ready() bool {
	return p.matched.Load()
}

var (
	_ LogObserver   = (*logProber)(nil)
	_ readyReporter = (*logProber)(nil)
)
