//go:build !linux

package process

import "log/slog"

type launchScopes struct{}

func newLaunchScopes(*slog.Logger) *launchScopes {
	return &launchScopes{}
}

func (s *launchScopes) close() error {
	return nil
}
