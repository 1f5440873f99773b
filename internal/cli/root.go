package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Paintersrp/launchpad/internal/logging"
)

const envPrefix = "LAUNCHPAD_"

type rootOptions struct {
	logLevel  string
	logFormat string
}

// NewRootCmd builds the launchpad command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "launchpad",
		Short: "Launch and supervise a group of processes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvDefaults(cmd.Flags()); err != nil {
				return err
			}
			return logging.Initialize(logging.Config{
				Level:  opts.logLevel,
				Format: opts.logFormat,
			})
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", logging.FormatText, "Log format (text, json, journal)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, opts
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	var exitErr *exitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		stop()
		os.Exit(exitErr.code)
	default:
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// exitError carries the launch result code out of a command without
// printing anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// applyEnvDefaults fills every flag the user did not set from
// LAUNCHPAD_<FLAG_NAME>, e.g. --grace-period from LAUNCHPAD_GRACE_PERIOD.
func applyEnvDefaults(flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		value, ok := os.LookupEnv(envName(f.Name))
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
