package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger writes the run log. Event and Fatal keep their variadic form so a
// message can be assembled from parts; structured fields are attached with
// With.
type Logger struct {
	Filename string
	slog     *slog.Logger
	exit     func(int)
}

// LogConfig selects level ("DEBUG", "INFO", "WARN", "ERROR") and format
// ("text" or "json").
type LogConfig struct {
	Level  string
	Format string
}

func NewLogger(filename string, cleanup bool) *Logger {
	// if cleanup create or clear the log file
	if cleanup {
		os.Remove(filename)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unable to open log file, logging to stderr:", err)
		return NewLoggerWriter(os.Stderr, LogConfig{})
	}
	l := NewLoggerWriter(f, LogConfig{})
	l.Filename = filename
	return l
}

// NewLoggerWriter logs to w. Tests pass io.Discard or a buffer.
func NewLoggerWriter(w io.Writer, cfg LogConfig) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{slog: slog.New(h), exit: os.Exit}
}

// Configure swaps the handler level and format while keeping the output file.
func (l *Logger) Configure(cfg LogConfig) {
	if l.Filename == "" {
		return
	}
	f, err := os.OpenFile(l.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.Error("unable to reopen log file: ", err)
		return
	}
	n := NewLoggerWriter(f, cfg)
	l.slog = n.slog
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger that adds the key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Filename: l.Filename, slog: l.slog.With(args...), exit: l.exit}
}

func (l *Logger) Event(message ...any) {
	l.slog.Info(fmt.Sprint(message...))
}

func (l *Logger) Debug(message ...any) {
	l.slog.Debug(fmt.Sprint(message...))
}

func (l *Logger) Error(message ...any) {
	l.slog.Error(fmt.Sprint(message...))
}

func (l *Logger) Fatal(message ...any) {
	l.slog.Error(fmt.Sprint(message...), "fatal", true)
	l.exit(1)
}
