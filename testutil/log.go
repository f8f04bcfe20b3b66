package testutil

import (
	"context"
	"log/slog"
	"sync"
)

// LogRecorder is a slog.Handler that keeps every record in memory so tests
// can assert on what a component logged. Thread-safe.
type LogRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

// NewLogRecorder creates an empty recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{}
}

// Logger returns a slog.Logger backed by this recorder.
func (h *LogRecorder) Logger() *slog.Logger {
	return slog.New(h)
}

// Enabled implements slog.Handler; every level is recorded.
func (h *LogRecorder) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (h *LogRecorder) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

// WithAttrs implements slog.Handler. Attributes are not tracked; the
// recorder asserts on messages and levels.
func (h *LogRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler.
func (h *LogRecorder) WithGroup(string) slog.Handler { return h }

// Count returns how many records carry exactly this message.
func (h *LogRecorder) Count(message string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, r := range h.records {
		if r.Message == message {
			n++
		}
	}
	return n
}

// CountLevel returns how many records were logged at the given level.
func (h *LogRecorder) CountLevel(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

// Messages returns every recorded message in order.
func (h *LogRecorder) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

// Reset discards all recorded entries.
func (h *LogRecorder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
}
