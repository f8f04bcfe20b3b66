package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogLevel is the severity tag carried by published log entries.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// slogLevel maps the wire severity onto the local mirror's level.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEntry is one log line on the wire, published as JSON so a
// dashboard following a live run can render it without any extra
// lookup.
type LogEntry struct {
	Timestamp string   `json:"timestamp"` // RFC3339Nano, UTC
	Level     LogLevel `json:"level"`
	Component string   `json:"component"`
	RunID     string   `json:"run_id"`
	Message   string   `json:"message"`
	Stack     string   `json:"stack,omitempty"` // error details on ERROR entries
}

// Logger mirrors component log lines to two places: the local slog
// handler, and the logs.{run_id}.{component} subject when a broker
// connection is present. The broker mirror is best effort; an outage
// never surfaces to the caller.
type Logger struct {
	name  string
	runID string
	nc    *nats.Conn
	local *slog.Logger
}

// NewLogger builds a logger scoped to one component inside one
// acquisition run. A nil nc disables the broker mirror; a nil local
// logger disables the slog mirror.
func NewLogger(name, runID string, nc *nats.Conn, local *slog.Logger) *Logger {
	return &Logger{name: name, runID: runID, nc: nc, local: local}
}

func (l *Logger) Debug(msg string) { l.emit(context.Background(), LogLevelDebug, msg, nil) }
func (l *Logger) Info(msg string)  { l.emit(context.Background(), LogLevelInfo, msg, nil) }
func (l *Logger) Warn(msg string)  { l.emit(context.Background(), LogLevelWarn, msg, nil) }

// Error logs at error level. A non-nil err lands in the entry's stack
// field.
func (l *Logger) Error(msg string, err error) {
	l.emit(context.Background(), LogLevelError, msg, err)
}

// The Context variants let cancellation skip the broker publish. The
// local mirror always runs.

func (l *Logger) DebugContext(ctx context.Context, msg string) { l.emit(ctx, LogLevelDebug, msg, nil) }
func (l *Logger) InfoContext(ctx context.Context, msg string)  { l.emit(ctx, LogLevelInfo, msg, nil) }
func (l *Logger) WarnContext(ctx context.Context, msg string)  { l.emit(ctx, LogLevelWarn, msg, nil) }

func (l *Logger) ErrorContext(ctx context.Context, msg string, err error) {
	l.emit(ctx, LogLevelError, msg, err)
}

func (l *Logger) emit(ctx context.Context, level LogLevel, msg string, err error) {
	if l.local != nil {
		args := []any{"component", l.name}
		if err != nil {
			args = append(args, "error", err)
		}
		l.local.Log(ctx, level.slogLevel(), msg, args...)
	}
	l.publish(ctx, level, msg, err)
}

// publish sends the entry to the broker. Marshal and publish failures
// are reported on the local mirror only.
func (l *Logger) publish(ctx context.Context, level LogLevel, msg string, err error) {
	nc := l.nc
	if nc == nil || ctx.Err() != nil {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.name,
		RunID:     l.runID,
		Message:   msg,
	}
	if err != nil {
		entry.Stack = fmt.Sprintf("%+v", err)
	}

	data, merr := json.Marshal(entry)
	if merr != nil {
		if l.local != nil {
			l.local.Error("marshal log entry", "error", merr)
		}
		return
	}

	subject := fmt.Sprintf("logs.%s.%s", l.runID, l.name)
	if perr := nc.Publish(subject, data); perr != nil && l.local != nil {
		l.local.Error("publish log entry", "error", perr, "subject", subject)
	}
}
