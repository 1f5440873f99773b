package logmux

import (
	"sync"
	"testing"
	"time"

	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/runtime"
)

func drain(ch <-chan Line) []Line {
	var out []Line
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, line)
		default:
			return out
		}
	}
}

func TestSinkFansOutToSubscribers(t *testing.T) {
	sink := New()
	first, releaseFirst := sink.Subscribe(4)
	defer releaseFirst()
	second, releaseSecond := sink.Subscribe(4)
	defer releaseSecond()

	sink.Publish("api", runtime.LogSourceStdout, "api ready")
	sink.Publish("worker", runtime.LogSourceStderr, "worker ready")
	sink.Publish("api", "", "api ok")

	for _, ch := range []<-chan Line{first, second} {
		lines := drain(ch)
		if len(lines) != 3 {
			t.Fatalf("expected 3 lines, got %d", len(lines))
		}
		want := []struct{ task, source, text string }{
			{"api", runtime.LogSourceStdout, "api ready"},
			{"worker", runtime.LogSourceStderr, "worker ready"},
			{"api", runtime.LogSourceStdout, "api ok"},
		}
		for i, w := range want {
			got := lines[i]
			if got.Task != w.task || got.Source != w.source || got.Text != w.text {
				t.Fatalf("line %d = %+v, want %+v", i, got, w)
			}
			if got.Timestamp.IsZero() {
				t.Fatalf("line %d has no timestamp", i)
			}
		}
	}
}

func TestSinkEmitsDropNoticeBeforeNextLine(t *testing.T) {
	sink := New()
	ch, release := sink.Subscribe(1)
	defer release()

	sink.Publish("api", runtime.LogSourceStdout, "line-1")
	sink.Publish("api", runtime.LogSourceStdout, "line-2")
	sink.Publish("api", runtime.LogSourceStdout, "line-3")

	if got := sink.Dropped("api"); got != 2 {
		t.Fatalf("expected 2 dropped lines, got %d", got)
	}
	if first := <-ch; first.Text != "line-1" {
		t.Fatalf("expected first line to survive, got %q", first.Text)
	}

	sink.Publish("api", runtime.LogSourceStdout, "line-4")
	meta := <-ch
	if !meta.Meta() || meta.Text != "dropped=2" || meta.Task != "api" {
		t.Fatalf("expected drop notice, got %+v", meta)
	}
	if meta.Source != runtime.LogSourceSystem {
		t.Fatalf("expected notice source %q, got %q", runtime.LogSourceSystem, meta.Source)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
	// line-4 arrived while the notice filled the queue.
	if got := sink.Dropped("api"); got != 3 {
		t.Fatalf("expected 3 dropped lines, got %d", got)
	}
}

func TestSinkSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	sink := New()
	slow, releaseSlow := sink.Subscribe(1)
	defer releaseSlow()
	fast, releaseFast := sink.Subscribe(16)
	defer releaseFast()

	for i := 0; i < 10; i++ {
		sink.Publish("api", runtime.LogSourceStdout, "tick")
	}
	if got := len(drain(fast)); got != 10 {
		t.Fatalf("fast subscriber expected 10 lines, got %d", got)
	}
	if got := len(drain(slow)); got != 1 {
		t.Fatalf("slow subscriber expected 1 line, got %d", got)
	}
}

func TestSinkPublishesDropEvents(t *testing.T) {
	bus := events.New()
	var mu sync.Mutex
	var total int
	done := make(chan struct{})
	defer events.Subscribe(bus, func(evt DropEvent) {
		mu.Lock()
		defer mu.Unlock()
		total += evt.Count
		if total == 3 {
			close(done)
		}
	})()

	sink := New(WithEventBus(bus))
	_, release := sink.Subscribe(1)
	defer release()
	for i := 0; i < 4; i++ {
		sink.Publish("api", runtime.LogSourceStdout, "x")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected 3 drop events")
	}
}

func TestSinkCloseFlushesNoticesAndClosesChannels(t *testing.T) {
	sink := New()
	ch, release := sink.Subscribe(2)
	defer release()

	sink.Publish("api", runtime.LogSourceStdout, "a")
	sink.Publish("api", runtime.LogSourceStdout, "b")
	sink.Publish("api", runtime.LogSourceStdout, "c")
	<-ch
	sink.Close()

	var rest []Line
	for line := range ch {
		rest = append(rest, line)
	}
	if len(rest) != 2 || rest[0].Text != "b" || rest[1].Text != "dropped=1" {
		t.Fatalf("unexpected remaining lines: %+v", rest)
	}

	sink.Publish("api", runtime.LogSourceStdout, "late")
	late, lateRelease := sink.Subscribe(1)
	defer lateRelease()
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a closed sink should yield a closed channel")
	}
}

func TestSinkReleaseStopsDelivery(t *testing.T) {
	sink := New()
	ch, release := sink.Subscribe(4)
	release()
	release()
	if _, ok := <-ch; ok {
		t.Fatalf("expected released channel to be closed")
	}
	sink.Publish("api", runtime.LogSourceStdout, "after release")
	if got := sink.Dropped("api"); got != 0 {
		t.Fatalf("released subscriber must not count drops, got %d", got)
	}
}

func TestSinkChattyTaskCannotStarveQuietTask(t *testing.T) {
	sink := New(WithTasks("chatty", "quiet"))
	ch, release := sink.Subscribe(4)
	defer release()

	for i := 0; i < 10; i++ {
		sink.Publish("chatty", runtime.LogSourceStdout, "spam")
	}
	sink.Publish("quiet", runtime.LogSourceStdout, "important")

	if got := sink.Dropped("chatty"); got != 8 {
		t.Fatalf("chatty dropped %d lines, want 8", got)
	}
	if got := sink.Dropped("quiet"); got != 0 {
		t.Fatalf("quiet dropped %d lines, want 0", got)
	}
	lines := drain(ch)
	if len(lines) != 3 || lines[2].Task != "quiet" || lines[2].Text != "important" {
		t.Fatalf("unexpected lines: %+v", lines)
	}

	// Consumed lines free the share again.
	sink.Publish("chatty", runtime.LogSourceStdout, "later")
	lines = drain(ch)
	if len(lines) != 2 || lines[0].Text != "dropped=8" || lines[1].Text != "later" {
		t.Fatalf("expected drop notice then line, got %+v", lines)
	}
}

func TestSinkSharesQueueWithLateTasks(t *testing.T) {
	sink := New()
	ch, release := sink.Subscribe(4)
	defer release()

	sink.Publish("first", runtime.LogSourceStdout, "a")
	sink.Publish("second", runtime.LogSourceStdout, "b")
	for i := 0; i < 4; i++ {
		sink.Publish("first", runtime.LogSourceStdout, "more")
	}
	// Two tasks seen, so each holds at most two of the four slots.
	if got := sink.Dropped("first"); got != 3 {
		t.Fatalf("first dropped %d lines, want 3", got)
	}
	sink.Publish("second", runtime.LogSourceStdout, "c")
	if got := sink.Dropped("second"); got != 0 {
		t.Fatalf("second dropped %d lines, want 0", got)
	}
	if got := len(drain(ch)); got != 4 {
		t.Fatalf("expected 4 queued lines, got %d", got)
	}
}
