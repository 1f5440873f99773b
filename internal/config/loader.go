package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// LoadOptions tunes how a launch file is turned into a LaunchGroupSpec.
type LoadOptions struct {
	// Name overrides the group name declared in the file.
	Name string
	// Cwd is the base for relative task working directories. Defaults to
	// the directory containing the launch file.
	Cwd string
	// Template forces template rendering even without a .tmpl suffix.
	Template bool
	// Vars are exposed to templates as .Vars.
	Vars map[string]string
	// SkipResolve leaves bare program names unresolved so failures surface
	// when the task starts instead of at load time.
	SkipResolve bool
}

type fileDocument struct {
	Name  string     `yaml:"name" toml:"name"`
	Tasks []fileTask `yaml:"tasks" toml:"tasks"`
}

type fileTask struct {
	Name            string         `yaml:"name" toml:"name"`
	Program         string         `yaml:"program" toml:"program"`
	Cwd             string         `yaml:"cwd" toml:"cwd"`
	Args            any            `yaml:"args" toml:"args"`
	Restart         bool           `yaml:"restart" toml:"restart"`
	RestartBackoff  any            `yaml:"restart-backoff" toml:"restart-backoff"`
	StartDelay      any            `yaml:"start-delay" toml:"start-delay"`
	QuitOnTerminate bool           `yaml:"quit-on-terminate" toml:"quit-on-terminate"`
	Environment     map[string]any `yaml:"environment" toml:"environment"`
	EnvFile         string         `yaml:"env-file" toml:"env-file"`
	Tags            []string       `yaml:"tags" toml:"tags"`
	Ready           *fileReady     `yaml:"ready" toml:"ready"`
}

type fileReady struct {
	HTTP             string   `yaml:"http" toml:"http"`
	ExpectStatus     []int    `yaml:"expect-status" toml:"expect-status"`
	TCP              string   `yaml:"tcp" toml:"tcp"`
	Command          any      `yaml:"command" toml:"command"`
	Log              string   `yaml:"log" toml:"log"`
	LogSources       []string `yaml:"log-sources" toml:"log-sources"`
	Expression       string   `yaml:"expression" toml:"expression"`
	Interval         any      `yaml:"interval" toml:"interval"`
	Timeout          any      `yaml:"timeout" toml:"timeout"`
	GracePeriod      any      `yaml:"grace-period" toml:"grace-period"`
	SuccessThreshold int      `yaml:"success-threshold" toml:"success-threshold"`
	FailureThreshold int      `yaml:"failure-threshold" toml:"failure-threshold"`
}

// Load reads a launch file from the provided path.
func Load(path string, opts LoadOptions) (*LaunchGroupSpec, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve launch file path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read launch file: %w", err)
	}

	format := strings.ToLower(filepath.Ext(absPath))
	if format == templateExt {
		opts.Template = true
		format = strings.ToLower(filepath.Ext(strings.TrimSuffix(absPath, filepath.Ext(absPath))))
	}
	if opts.Template {
		data, err = renderTemplate(absPath, data, opts.Vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
	}

	doc, err := decodeDocument(format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	base := opts.Cwd
	if base == "" {
		base = filepath.Dir(absPath)
	} else if base, err = filepath.Abs(base); err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}

	group, err := buildGroup(doc, absPath, base, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := group.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return group, nil
}

func decodeDocument(format string, data []byte) (*fileDocument, error) {
	var doc fileDocument
	switch format {
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&doc); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, errors.New(strict.String())
			}
			return nil, err
		}
	case ".yaml", ".yml", "":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("launch file is empty")
			}
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported launch file format %q", format)
	}
	return &doc, nil
}

func buildGroup(doc *fileDocument, absPath, base string, opts LoadOptions) (*LaunchGroupSpec, error) {
	group := &LaunchGroupSpec{Name: doc.Name}
	if opts.Name != "" {
		group.Name = opts.Name
	}
	if group.Name == "" {
		group.Name = defaultGroupName(absPath)
	}

	configDir := filepath.Dir(absPath)
	var errs []error
	for i, raw := range doc.Tasks {
		task, err := buildTask(raw, configDir, base, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", taskField(i, raw.Name, ""), err))
			continue
		}
		group.Tasks = append(group.Tasks, task)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return group, nil
}

func buildTask(raw fileTask, configDir, base string, opts LoadOptions) (TaskSpec, error) {
	task := TaskSpec{
		Name:            strings.TrimSpace(raw.Name),
		Program:         os.ExpandEnv(strings.TrimSpace(raw.Program)),
		Workdir:         resolveWorkdir(base, os.ExpandEnv(raw.Cwd)),
		Restart:         raw.Restart,
		QuitOnTerminate: raw.QuitOnTerminate,
	}
	if len(raw.Tags) > 0 {
		task.Tags = append([]string(nil), raw.Tags...)
	}

	var err error
	if task.Args, err = parseArgs(raw.Args); err != nil {
		return TaskSpec{}, fmt.Errorf("args: %w", err)
	}
	if task.StartDelay, err = parseSeconds(raw.StartDelay); err != nil {
		return TaskSpec{}, fmt.Errorf("start-delay: %w", err)
	}
	if task.RestartBackoff, err = parseSeconds(raw.RestartBackoff); err != nil {
		return TaskSpec{}, fmt.Errorf("restart-backoff: %w", err)
	}
	if raw.RestartBackoff == nil {
		task.RestartBackoff = DefaultRestartBackoff
	}

	env := make(map[string]string)
	if raw.EnvFile != "" {
		envPath := os.ExpandEnv(raw.EnvFile)
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Clean(filepath.Join(configDir, envPath))
		}
		fileEnv, err := loadEnvFile(envPath)
		if err != nil {
			return TaskSpec{}, fmt.Errorf("env-file: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range raw.Environment {
		env[k] = os.ExpandEnv(stringify(v))
	}
	if len(env) > 0 {
		task.Env = env
	}

	if raw.Ready != nil {
		if task.Ready, err = buildReady(*raw.Ready); err != nil {
			return TaskSpec{}, fmt.Errorf("ready: %w", err)
		}
	}

	if !opts.SkipResolve && task.Program != "" {
		resolved, err := resolveProgram(task.Program, task.Workdir, task.Env)
		if err != nil {
			return TaskSpec{}, fmt.Errorf("program: %w", err)
		}
		task.Program = resolved
	}
	return task, nil
}

func buildReady(raw fileReady) (*ReadySpec, error) {
	ready := &ReadySpec{
		HTTP:             os.ExpandEnv(strings.TrimSpace(raw.HTTP)),
		TCP:              os.ExpandEnv(strings.TrimSpace(raw.TCP)),
		LogPattern:       raw.Log,
		Expression:       raw.Expression,
		SuccessThreshold: raw.SuccessThreshold,
		FailureThreshold: raw.FailureThreshold,
	}
	if len(raw.ExpectStatus) > 0 {
		ready.ExpectStatus = append([]int(nil), raw.ExpectStatus...)
	}
	if len(raw.LogSources) > 0 {
		ready.LogSources = append([]string(nil), raw.LogSources...)
	}

	var err error
	if ready.Command, err = parseArgs(raw.Command); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	if ready.Interval, err = parseSeconds(raw.Interval); err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	if raw.Interval == nil {
		ready.Interval = DefaultReadyInterval
	}
	if ready.Timeout, err = parseSeconds(raw.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if ready.GracePeriod, err = parseSeconds(raw.GracePeriod); err != nil {
		return nil, fmt.Errorf("grace-period: %w", err)
	}
	return ready, nil
}

func defaultGroupName(absPath string) string {
	name := filepath.Base(absPath)
	for {
		ext := filepath.Ext(name)
		if ext == "" || ext == name {
			break
		}
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}
