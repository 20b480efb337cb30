package broadcast

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/account-sync/internal/domain"
)

// Publisher is the publish side of the fabric
type Publisher interface {
	Publish(channel string, payload any)
}

// LogHandler writes records to an inner handler and also broadcasts records at
// or above level to logs:<service> and logs:all.
// The fabric's own logger must not be built on a LogHandler.
type LogHandler struct {
	inner     slog.Handler
	publisher Publisher
	service   string
	level     slog.Leveler
	attrs     []slog.Attr
}

// NewLogHandler wraps inner
func NewLogHandler(inner slog.Handler, publisher Publisher, service string, level slog.Leveler) *LogHandler {
	return &LogHandler{
		inner:     inner,
		publisher: publisher,
		service:   service,
		level:     level,
	}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= h.level.Level() {
		h.broadcast(record)
	}
	if !h.inner.Enabled(ctx, record.Level) {
		return nil
	}
	return h.inner.Handle(ctx, record)
}

func (h *LogHandler) broadcast(record slog.Record) {
	line := domain.LogLine{
		Service:   h.service,
		Level:     record.Level.String(),
		Message:   record.Message,
		Timestamp: record.Time.UnixMilli(),
	}

	if n := len(h.attrs) + record.NumAttrs(); n > 0 {
		line.Attrs = make(map[string]any, n)
		for _, a := range h.attrs {
			line.Attrs[a.Key] = attrValue(a)
		}
		record.Attrs(func(a slog.Attr) bool {
			line.Attrs[a.Key] = attrValue(a)
			return true
		})
	}

	h.publisher.Publish(domain.LogChannel(h.service), line)
	h.publisher.Publish(domain.ChannelLogsAll, line)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}

func attrValue(a slog.Attr) any {
	v := a.Value.Resolve().Any()
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}
