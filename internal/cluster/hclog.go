package cluster

import (
	"context"
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// slogSink forwards hclog records from Raft to a slog.Logger.
type slogSink struct {
	logger   *slog.Logger
	minLevel hclog.Level
}

func (s slogSink) Accept(name string, level hclog.Level, msg string, args ...any) {
	if level < s.minLevel {
		return
	}
	lvl := slogLevel(level)
	if !s.logger.Enabled(context.Background(), lvl) {
		return
	}
	if name != "" {
		args = append(args, "subsystem", name)
	}
	s.logger.Log(context.Background(), lvl, msg, args...)
}

func slogLevel(l hclog.Level) slog.Level {
	switch l {
	case hclog.Trace, hclog.Debug:
		return slog.LevelDebug
	case hclog.Warn:
		return slog.LevelWarn
	case hclog.Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHCLogger returns an hclog.Logger that writes nothing itself and hands
// every record at or above minLevel to logger.
func newHCLogger(name string, logger *slog.Logger, minLevel hclog.Level) hclog.Logger {
	il := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Trace,
		Output: io.Discard,
	})
	il.RegisterSink(slogSink{logger: logger, minLevel: minLevel})
	return il
}
