//go:build windows

package launchclient

import (
	"context"

	"golang.org/x/sys/windows"
)

func openEvent(name string) (windows.Handle, error) {
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	return windows.OpenEvent(windows.SYNCHRONIZE, false, ptr)
}

func eventSet(name string) bool {
	h, err := openEvent(name)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	state, err := windows.WaitForSingleObject(h, 0)
	return err == nil && state == windows.WAIT_OBJECT_0
}

// watchEvent returns a channel that is closed once the named event is
// signalled. The channel is left open when ctx ends first.
func watchEvent(ctx context.Context, name string) <-chan struct{} {
	if name == "" {
		return nil
	}
	h, err := openEvent(name)
	if err != nil {
		return nil
	}
	ch := make(chan struct{})
	go func() {
		defer windows.CloseHandle(h)
		timeout := uint32(pollInterval.Milliseconds())
		for {
			state, err := windows.WaitForSingleObject(h, timeout)
			if err == nil && state == windows.WAIT_OBJECT_0 {
				close(ch)
				return
			}
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return ch
}
