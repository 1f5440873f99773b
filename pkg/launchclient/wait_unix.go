//go:build !windows

package launchclient

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

func eventSet(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchEvent returns a channel that is closed once the marker file exists.
// The stat poll covers filesystems without change notifications. The channel
// is left open when ctx ends first.
func watchEvent(ctx context.Context, path string) <-chan struct{} {
	if path == "" {
		return nil
	}
	ch := make(chan struct{})
	go func() {
		var events chan fsnotify.Event
		var errs chan error
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(path)); err == nil {
				events, errs = watcher.Events, watcher.Errors
			}
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		if waitMarker(ctx, path, events, errs, ticker.C) {
			close(ch)
		}
	}()
	return ch
}

// waitMarker reports true once path exists and false when ctx ends first.
// Watcher errors are drained so the watcher keeps delivering events; the
// poll still catches the marker if notifications stop.
func waitMarker(ctx context.Context, path string, events <-chan fsnotify.Event, errs <-chan error, tick <-chan time.Time) bool {
	for {
		if eventSet(path) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(evt.Name) == filepath.Clean(path) && evt.Has(fsnotify.Create) {
				return true
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-tick:
		}
	}
}
