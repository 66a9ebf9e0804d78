// Package logging holds the slog helpers shared by every graylogd component.
//
// Loggers are injected, never global. Each component receives the base
// logger at construction, scopes it once with logger.With("component", ...)
// and keeps it. A nil logger means "no logging": Default swaps it for a
// discard logger so call sites never need nil checks.
//
// Output format, level and destination are configured in main() only.
// Nothing in internal/ calls slog.SetDefault.
//
// Log at lifecycle boundaries (start, stop, rotation, eviction summaries),
// not per message: the ingest path handles tens of thousands of messages a
// second and per-message logging would dominate it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when logger is nil:
//
//	func New(cfg Config) *Reassembler {
//	    logger := logging.Default(cfg.Logger).With("component", "reassembler")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a configuration string to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New builds the process logger writing format ("text" or "json") to w.
// Filtering is left to levels, so the encoder accepts every level.
func New(w io.Writer, format string, levels *Levels) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var enc slog.Handler
	switch format {
	case "", "text":
		enc = slog.NewTextHandler(w, opts)
	case "json":
		enc = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(NewHandler(enc, levels)), nil
}
