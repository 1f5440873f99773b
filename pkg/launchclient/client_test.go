package launchclient

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"
)

func TestWaitReturnsWhenMarkerAppears(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("marker files are the POSIX form of the shutdown event")
	}
	marker := filepath.Join(t.TempDir(), "task.exit")
	t.Setenv(EnvShutdownEvent, marker)
	t.Setenv(EnvTask, "worker")

	if !Supervised() {
		t.Fatalf("expected Supervised to report true")
	}
	if Requested() {
		t.Fatalf("did not expect exit to be requested yet")
	}
	if got := Task(); got != "worker" {
		t.Fatalf("Task() = %q", got)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- Wait(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Wait did not observe marker")
	}
	if !Requested() {
		t.Fatalf("expected Requested after marker creation")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Setenv(EnvShutdownEvent, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if Requested() {
		t.Fatalf("Requested must be false without an event")
	}
}

func TestNotifyStopSuppressesCallback(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("marker files are the POSIX form of the shutdown event")
	}
	marker := filepath.Join(t.TempDir(), "task.exit")
	t.Setenv(EnvShutdownEvent, marker)

	called := make(chan struct{}, 1)
	stop := Notify(func() { called <- struct{}{} })
	stop()

	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	select {
	case <-called:
		t.Fatalf("callback ran after stop")
	case <-time.After(400 * time.Millisecond):
	}

	stop = Notify(func() { called <- struct{}{} })
	defer stop()
	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatalf("callback did not run for existing marker")
	}
}
