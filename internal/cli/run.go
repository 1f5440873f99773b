package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/launchpad/internal/api"
	apihttp "github.com/Paintersrp/launchpad/internal/api/http"
	"github.com/Paintersrp/launchpad/internal/config"
	"github.com/Paintersrp/launchpad/internal/engine"
	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/logging"
	"github.com/Paintersrp/launchpad/internal/logmux"
	"github.com/Paintersrp/launchpad/internal/metrics"
	"github.com/Paintersrp/launchpad/internal/tui"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var newAPIServer = apihttp.NewServer

type runOptions struct {
	template    bool
	vars        []string
	name        string
	cwd         string
	gracePeriod time.Duration
	logDir      string
	noLogFiles  bool
	quiet       bool
	tui         bool
	api         string
	output      string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{gracePeriod: engine.DefaultGracePeriod, output: outputText}

	cmd := &cobra.Command{
		Use:   "run <launch-file>",
		Short: "Launch every task in a launch file and supervise them until they end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd, root, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.template, "template", false, "Render the launch file as a Go template before decoding")
	flags.StringArrayVar(&opts.vars, "var", nil, "Template variable as key=value (repeatable)")
	flags.StringVar(&opts.name, "name", "", "Override the launch group name")
	flags.StringVar(&opts.cwd, "cwd", "", "Base directory for relative task working directories")
	flags.DurationVar(&opts.gracePeriod, "grace-period", opts.gracePeriod, "Time stopping tasks get to exit before their process tree is killed")
	flags.StringVar(&opts.logDir, "log-dir", "", "Directory for per-task log files (default: user cache dir)")
	flags.BoolVar(&opts.noLogFiles, "no-log-files", false, "Do not write per-task log files")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not echo task output to the console")
	flags.BoolVar(&opts.tui, "tui", false, "Show the interactive status window")
	flags.StringVar(&opts.api, "api", "", "Serve the HTTP control API on this address")
	flags.Lookup("api").NoOptDefVal = apihttp.DefaultAddr
	flags.StringVar(&opts.output, "output", opts.output, "Console output format (text, json)")

	return cmd
}

func runLaunch(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	if opts.output != outputText && opts.output != outputJSON {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	if opts.tui && !logmux.IsTerminal(cmd.OutOrStdout()) {
		return errors.New("--tui requires an interactive terminal")
	}
	vars, err := parseVars(opts.vars)
	if err != nil {
		return err
	}

	group, err := config.Load(path, config.LoadOptions{
		Name:     opts.name,
		Cwd:      opts.cwd,
		Template: opts.template,
		Vars:     vars,
	})
	if err != nil {
		return err
	}

	var files *logmux.FileWriter
	if !opts.noLogFiles {
		dir := opts.logDir
		if dir == "" {
			if dir, err = defaultLogDir(group.Name, time.Now()); err != nil {
				return err
			}
		}
		if files, err = logmux.NewFileWriter(dir); err != nil {
			return err
		}
	}

	// The status window owns the terminal, so engine logs move to a file.
	if opts.tui {
		out := io.Discard
		if files != nil {
			logFile, err := os.OpenFile(filepath.Join(files.Dir(), "launchpad.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open launcher log: %w", err)
			}
			defer logFile.Close()
			out = logFile
		}
		if err := logging.Initialize(logging.Config{Level: root.logLevel, Format: root.logFormat, Output: out}); err != nil {
			return err
		}
	}
	logger := logging.GetLogger("cli")

	bus := events.New()
	defer metrics.Attach(bus)()

	taskNames := make([]string, 0, len(group.Tasks))
	for _, task := range group.Tasks {
		taskNames = append(taskNames, task.Name)
	}
	sink := logmux.New(logmux.WithEventBus(bus), logmux.WithTasks(taskNames...))
	var consumers sync.WaitGroup
	defer consumers.Wait()
	defer sink.Close()

	if files != nil {
		lines, _ := sink.Subscribe(logmux.DefaultBuffer)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := files.Run(lines); err != nil {
				logger.Error("write task logs", "dir", files.Dir(), "error", err)
			}
			if err := files.Close(); err != nil {
				logger.Warn("close task logs", "error", err)
			}
		}()
		logger.Info("writing task logs", "dir", files.Dir())
	}

	if !opts.quiet && !opts.tui {
		var consoleOpts []logmux.ConsoleOption
		if opts.output == outputJSON {
			consoleOpts = append(consoleOpts, logmux.WithJSON())
		}
		console := logmux.NewConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), consoleOpts...)
		lines, _ := sink.Subscribe(logmux.DefaultBuffer)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			console.Run(lines)
		}()
	}

	var listener net.Listener
	if opts.api != "" {
		if listener, err = net.Listen("tcp", apihttp.NormalizeAddr(opts.api)); err != nil {
			return fmt.Errorf("control api: %w", err)
		}
	}

	coord, err := engine.Start(stdcontext.Background(), *group,
		engine.WithGracePeriod(opts.gracePeriod),
		engine.WithOutput(sink),
		engine.WithEventBus(bus),
	)
	if err != nil {
		if listener != nil {
			listener.Close()
		}
		return err
	}

	// Background services outlive the signal context so the API and the
	// status window keep reporting while tasks stop.
	serviceCtx, cancelServices := stdcontext.WithCancel(stdcontext.Background())
	defer cancelServices()

	go forwardInterrupt(cmd.Context(), coord)

	var stopAPI func() error
	if listener != nil {
		stopAPI, err = startAPI(serviceCtx, cmd, listener, coord)
		if err != nil {
			listener.Close()
			logger.Error("control api unavailable", "error", err)
			coord.RequestShutdown("control api failed")
		}
	}

	var window *tui.UI
	var releaseWindow func()
	windowDone := make(chan error, 1)
	if opts.tui {
		window = tui.New(coord)
		defer events.SubscribeToChannel(bus, window.EventSink())()
		var lines <-chan logmux.Line
		lines, releaseWindow = sink.Subscribe(logmux.DefaultBuffer)
		go func() {
			windowDone <- window.Run(serviceCtx, lines)
		}()
	}

	res, waitErr := coord.Wait(stdcontext.Background())
	if waitErr != nil {
		return waitErr
	}

	if window != nil {
		window.Stop()
		if uiErr := <-windowDone; uiErr != nil {
			logger.Warn("status window", "error", uiErr)
		}
		releaseWindow()
	}
	if stopAPI != nil {
		if apiErr := stopAPI(); apiErr != nil {
			logger.Warn("control api", "error", apiErr)
		}
	}

	reportResult(cmd, logger, group.Name, res, opts.quiet)
	if res.Code != 0 {
		return &exitError{code: res.Code}
	}
	return nil
}

// forwardInterrupt turns SIGINT/SIGTERM (the cancelled command context)
// into a group shutdown.
func forwardInterrupt(ctx stdcontext.Context, coord *engine.Coordinator) {
	if ctx == nil {
		return
	}
	select {
	case <-ctx.Done():
		coord.RequestShutdown("interrupted")
	case <-coord.Done():
	}
}

func startAPI(ctx stdcontext.Context, cmd *cobra.Command, listener net.Listener, coord *engine.Coordinator) (func() error, error) {
	server, err := newAPIServer(apihttp.Config{
		Controller: api.NewCoordinatorController(coord),
		Listener:   listener,
		Logger:     logging.GetLogger("api"),
	})
	if err != nil {
		return nil, err
	}

	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()
	fmt.Fprintf(cmd.ErrOrStderr(), "Control API listening on %s\n", server.Addr())

	return func() error {
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) {
			return err
		}
		return nil
	}, nil
}

func reportResult(cmd *cobra.Command, logger *slog.Logger, group string, res engine.Result, quiet bool) {
	if res.Err != nil {
		logger.Error("launch ended with errors", "error", res.Err)
	}
	if quiet {
		return
	}
	summary := fmt.Sprintf("launch %s finished with code %d", group, res.Code)
	if res.Cause != "" {
		summary += fmt.Sprintf(" (%s: %s)", res.Cause, res.Origin)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), summary)
}

func parseVars(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", value)
		}
		vars[key] = val
	}
	return vars, nil
}

// defaultLogDir returns <cache>/launchpad/logs/<group>/<group>-<timestamp>.
func defaultLogDir(group string, now time.Time) (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate log directory: %w", err)
	}
	name := sanitizeName(group)
	return filepath.Join(cache, "launchpad", "logs", name, name+"-"+now.Format("20060102-150405")), nil
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "launch"
	}
	return name
}
