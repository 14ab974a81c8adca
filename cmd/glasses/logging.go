// ABOUTME: slog setup for the CLI: compact colorized lines or JSON, always on stderr
// ABOUTME: stdout is reserved for replies so output can be piped

package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/littlebotshi/openclaw-glasses/internal/config"
)

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&lineHandler{mu: &sync.Mutex{}, w: w, level: level})
}

// lineHandler writes one short line per record: level tag, the component
// that logged it, the message, then key=value pairs.
type lineHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr
	prefix    string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	switch {
	case r.Level >= slog.LevelError:
		b.WriteString(color.New(color.FgRed, color.Bold).Sprint("error"))
	case r.Level >= slog.LevelWarn:
		b.WriteString(color.YellowString("warn "))
	case r.Level >= slog.LevelInfo:
		b.WriteString(color.CyanString("info "))
	default:
		b.WriteString(color.MagentaString("debug"))
	}
	if h.component != "" {
		b.WriteString(color.HiBlackString(" [" + h.component + "]"))
	}
	b.WriteString(" ")
	b.WriteString(r.Message)

	write := func(key string, v slog.Value) {
		b.WriteString(color.HiBlackString(" " + key + "="))
		b.WriteString(v.String())
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value.Resolve())
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.prefix+a.Key, a.Value.Resolve())
		return true
	})
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}
