package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AccessLog represents a single HTTP request log entry for the control
// plane API.
type AccessLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	VMID       string    `json:"vmid,omitempty"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// AccessLogger handles request logging for the HTTP API.
type AccessLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultAccessLogger = &AccessLogger{enabled: true, console: true}

// DefaultAccessLogger returns the process-wide access logger.
func DefaultAccessLogger() *AccessLogger {
	return defaultAccessLogger
}

// SetOutput sets the log output file.
func (l *AccessLogger) SetOutput(path string) error {
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

// SetConsole enables/disables console output.
func (l *AccessLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an access log entry.
func (l *AccessLogger) Log(entry *AccessLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if entry.Error != "" {
			status = "err"
		}
		fmt.Printf("[access] %s %s %s %d %dms %s\n",
			entry.RequestID, entry.Method, entry.Path, entry.StatusCode, entry.DurationMs, status)
		if entry.Error != "" {
			fmt.Printf("[access]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *AccessLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
