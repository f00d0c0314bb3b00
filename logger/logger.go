// Package logger provides leveled logging for training runs on top of klog.
package logger

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// klog keeps its configuration in package state, so every Logger shares it.
var configMu sync.Mutex

// Logger provides leveled logging (info/warning/error).
type Logger struct {
	logDir  string
	discard bool
}

// New creates a Logger that writes klog's per-severity INFO, WARNING and
// ERROR files into logDir and mirrors every entry to stderr.
//
// klog resolves its log directory once per process, so the first directory
// used by New is the one files are written to.
func New(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	configMu.Lock()
	defer configMu.Unlock()

	err := configure(map[string]string{
		"log_dir":         logDir,
		"logtostderr":     "false",
		"alsologtostderr": "true",
		"one_output":      "false",
		"stderrthreshold": "ERROR",
	})
	if err != nil {
		return nil, err
	}
	// drop any writer installed by NewWriter so klog opens its own files
	klog.SetOutput(nil)

	return &Logger{logDir: logDir}, nil
}

// NewWriter creates a Logger sending every level to w
func NewWriter(w io.Writer) *Logger {
	configMu.Lock()
	defer configMu.Unlock()

	if err := configure(map[string]string{
		"logtostderr":     "false",
		"alsologtostderr": "false",
		"one_output":      "true",
		"stderrthreshold": "FATAL",
	}); err != nil {
		// the flag names and values above are fixed
		panic(err)
	}
	klog.SetOutput(w)

	return &Logger{}
}

// Discard returns a Logger that drops all output
func Discard() *Logger {
	return &Logger{discard: true}
}

func configure(settings map[string]string) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to set klog flag %s=%s: %w", name, value, err)
		}
	}
	return nil
}

// Dir returns the log directory, empty for writer-backed loggers
func (l *Logger) Dir() string {
	return l.logDir
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	if l.discard {
		return
	}
	klog.InfofDepth(1, format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	if l.discard {
		return
	}
	klog.WarningfDepth(1, format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	if l.discard {
		return
	}
	klog.ErrorfDepth(1, format, v...)
}

// Flush writes any buffered entries to the log files
func (l *Logger) Flush() {
	if !l.discard {
		klog.Flush()
	}
}

// Close flushes pending entries. klog owns the files and keeps them open.
func (l *Logger) Close() error {
	l.Flush()
	return nil
}
