package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// JobLog is one terminal job outcome as recorded by the dispatcher.
type JobLog struct {
	Timestamp  time.Time      `json:"timestamp"`
	Spec       string         `json:"spec"`
	TraceID    string         `json:"trace_id,omitempty"`
	NodeID     string         `json:"node_id"`
	Items      int            `json:"items"`
	Statuses   map[string]int `json:"statuses,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
}

// Logger writes job logs: one human-readable console line per job and,
// when an output file is set, one JSON line per job.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console io.Writer
}

var defaultLogger = &Logger{enabled: true, console: os.Stdout}

// Default returns the process-wide job logger.
func Default() *Logger {
	return defaultLogger
}

// NewLogger returns a job logger writing console lines to w (nil disables
// console output).
func NewLogger(w io.Writer) *Logger {
	return &Logger{enabled: true, console: w}
}

// SetOutput appends JSON lines to the file at path.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole redirects console lines; nil disables them.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// SetEnabled turns job logging on or off.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a job log entry. A nil logger is a no-op.
func (l *Logger) Log(entry *JobLog) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		retry := ""
		if entry.Attempts > 1 {
			retry = fmt.Sprintf(" [attempt:%d]", entry.Attempts)
		}
		fmt.Fprintf(l.console, "[job] %s %s on %s %d items %dms%s\n",
			status, entry.Spec, entry.NodeID, entry.Items, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[job]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the JSON output file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
