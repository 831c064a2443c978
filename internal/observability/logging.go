// Package observability carries the ambient concerns of the runtime:
// structured logging with secret redaction, Prometheus metrics, and
// optional OTLP tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool

	// RedactPatterns extends the built-in secret patterns.
	RedactPatterns []string
}

// defaultRedactPatterns covers credentials that must never reach a log
// line. The runtime passes user text and tool arguments through logs at
// debug level, so the handler scrubs rather than trusting call sites.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{20,}`,
	`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?[^\s"']{8,}["']?`,
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
}

// NewLogger builds a slog.Logger whose handler redacts secrets from the
// message and every string attribute.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var inner slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		inner = slog.NewTextHandler(cfg.Output, opts)
	} else {
		inner = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range append(append([]string{}, defaultRedactPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	return slog.New(&redactHandler{inner: inner, patterns: patterns})
}

// redactHandler scrubs secrets before delegating to the real handler.
type redactHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, h.redact(rec.Message), rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = h.redactAttr(attr)
	}
	return &redactHandler{inner: h.inner.WithAttrs(scrubbed), patterns: h.patterns}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), patterns: h.patterns}
}

func (h *redactHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		attr.Value = slog.StringValue(h.redact(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, member := range group {
			scrubbed[i] = h.redactAttr(member)
		}
		attr.Value = slog.GroupValue(scrubbed...)
	}
	return attr
}

func (h *redactHandler) redact(s string) string {
	for _, re := range h.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
