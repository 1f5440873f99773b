package logmux

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Paintersrp/launchpad/internal/runtime"
)

// FileWriter persists output per task: <task>.log holds stdout and launcher
// notices, <task>.stderr.log holds stderr.
type FileWriter struct {
	dir string

	mu     sync.Mutex
	files  map[string]*logFile
	closed bool
}

type logFile struct {
	file *os.File
	buf  *bufio.Writer
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if dir == "" {
		return nil, errors.New("log directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &FileWriter{dir: dir, files: make(map[string]*logFile)}, nil
}

// Dir returns the directory the writer logs into.
func (w *FileWriter) Dir() string {
	return w.dir
}

// Path returns the file a line from task and source is written to.
func (w *FileWriter) Path(task, source string) string {
	if source == runtime.LogSourceStderr {
		return filepath.Join(w.dir, task+".stderr.log")
	}
	return filepath.Join(w.dir, task+".log")
}

// Write appends a single line.
func (w *FileWriter) Write(line Line) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("file writer closed")
	}
	path := w.Path(line.Task, line.Source)
	f, ok := w.files[path]
	if !ok {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open task log: %w", err)
		}
		f = &logFile{file: file, buf: bufio.NewWriter(file)}
		w.files[path] = f
	}
	text := line.Text
	if line.Meta() {
		text = "[" + runtime.LogSourceSystem + "] " + text
	}
	if _, err := f.buf.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("write task log: %w", err)
	}
	return nil
}

// Run writes lines until the channel is closed, then flushes and closes
// every file.
func (w *FileWriter) Run(lines <-chan Line) error {
	var errs []error
	for line := range lines {
		if err := w.Write(line); err != nil && len(errs) < 8 {
			errs = append(errs, err)
		}
	}
	if err := w.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush pushes buffered output to disk.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, f := range w.files {
		if err := f.buf.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes all open files.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	for path, f := range w.files {
		if err := f.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", path, err))
		}
		if err := f.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
