package state

import (
	"context"
	"log/slog"
)

// LogSample is a flat structured telemetry record pushed on the log
// samples queue.
type LogSample map[string]any

// LogSampleHandler is a slog handler that converts records at or above
// its level into LogSample items. Combine it with the console handler
// via slog-multi fan-out.
type LogSampleHandler struct {
	queue *ReplicateQueue[LogSample]
	level slog.Level
	attrs []slog.Attr
}

func NewLogSampleHandler(queue *ReplicateQueue[LogSample], level slog.Level) *LogSampleHandler {
	return &LogSampleHandler{queue: queue, level: level}
}

func (h *LogSampleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *LogSampleHandler) Handle(_ context.Context, record slog.Record) error {
	sample := make(LogSample, record.NumAttrs()+len(h.attrs)+2)
	sample["event"] = record.Message
	sample["level"] = record.Level.String()
	for _, attr := range h.attrs {
		sample[attr.Key] = attr.Value.Any()
	}
	record.Attrs(func(attr slog.Attr) bool {
		sample[attr.Key] = attr.Value.Any()
		return true
	})
	h.queue.Push(sample)
	return nil
}

func (h *LogSampleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LogSampleHandler{queue: h.queue, level: h.level, attrs: merged}
}

func (h *LogSampleHandler) WithGroup(string) slog.Handler {
	// samples are flat records, grouping is a console concern
	return h
}
