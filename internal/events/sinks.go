package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileSink appends events as JSON lines to a file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (creating or appending) path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Emit(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// LogSink writes each event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at INFO, and at ERROR for RunFailed.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "lifecycle")}
}

func (s *LogSink) Emit(e Event) error {
	attrs := []any{"seq", e.Seq, "run_id", e.RunID}
	if e.Call != "" {
		attrs = append(attrs, "call", e.Call)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	if e.Handle != "" {
		attrs = append(attrs, "handle", e.Handle)
	}
	if e.ExitCode != nil {
		attrs = append(attrs, "exit_code", *e.ExitCode)
	}
	if e.Cached {
		attrs = append(attrs, "cached", true)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	level := slog.LevelInfo
	switch e.Type {
	case RunFailed:
		level = slog.LevelError
	case TaskStatusChanged:
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, string(e.Type), attrs...)
	return nil
}
