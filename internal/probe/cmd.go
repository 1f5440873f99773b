package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

type commandProber struct {
	command []string
	dir     string
	env     []string
}

func newCommandProber(command []string, o options) (Prober, error) {
	if len(command) == 0 {
		return nil, errors.New("probe: command requires at least one argument")
	}
	return &commandProber{
		command: append([]string(nil), command...),
		dir:     o.workdir,
		env:     o.env,
	}, nil
}

func (p *commandProber) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
