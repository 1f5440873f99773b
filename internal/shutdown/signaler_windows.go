//go:build windows

package shutdown

import (
	"errors"

	"golang.org/x/sys/windows"
)

type namedEvent struct {
	name   string
	handle windows.Handle
}

func newPlatformEvent(name string) (platformEvent, error) {
	full := `Local\` + name
	ptr, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateEvent(nil, 1, 0, ptr)
	if err != nil {
		if h == 0 || !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, err
		}
		if err := windows.ResetEvent(h); err != nil {
			windows.CloseHandle(h)
			return nil, err
		}
	}
	return &namedEvent{name: full, handle: h}, nil
}

func (e *namedEvent) value() string {
	return e.name
}

func (e *namedEvent) set() error {
	return windows.SetEvent(e.handle)
}

func (e *namedEvent) close() error {
	return windows.CloseHandle(e.handle)
}
