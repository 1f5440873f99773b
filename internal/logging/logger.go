// Package logging configures the launcher's structured logs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Formats accepted by Config.Format.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatJournal = "journal"
)

// Config represents logging configuration.
type Config struct {
	Level  string
	Format string
	// Modules overrides the level for individual modules.
	Modules map[string]string
	// Output receives text and json records. Defaults to stderr so task
	// output echoed on stdout stays clean.
	Output io.Writer
}

var (
	mutex           sync.RWMutex
	globalConfig    Config
	isInitialized   bool
	globalLevelVar  = &slog.LevelVar{}
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
)

// Initialize installs cfg as the process-wide logging configuration and
// rebuilds loggers handed out earlier.
func Initialize(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	switch strings.ToLower(cfg.Format) {
	case "", FormatText, FormatJSON, FormatJournal:
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = cfg
	isInitialized = true
	globalLevelVar.Set(level)

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(module))
		moduleLoggers[module] = slog.New(createHandler(cfg, levelVar)).With("module", module)
	}
	slog.SetDefault(slog.New(createHandler(cfg, globalLevelVar)))
	return nil
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, ok := moduleLoggers[module]; ok {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()
	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))
	logger := slog.New(createHandler(globalConfig, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	level := slog.LevelInfo
	if !isInitialized {
		return level
	}
	if parsed, err := ParseLevel(globalConfig.Level); err == nil {
		level = parsed
	}
	if override, ok := globalConfig.Modules[module]; ok {
		if parsed, err := ParseLevel(override); err == nil {
			level = parsed
		}
	}
	return level
}

func createHandler(cfg Config, level slog.Leveler) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		return slog.NewJSONHandler(out, opts)
	case FormatJournal:
		if IsJournalAvailable() {
			return NewJournalHandler(level)
		}
	}
	return slog.NewTextHandler(out, opts)
}

// ParseLevel converts a textual level. The empty string means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
