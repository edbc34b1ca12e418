package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes the append-only log file mirrored alongside the
// console. An empty Path disables the file sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options tunes Setup.
type Options struct {
	// Console receives every line; defaults to os.Stdout.
	Console io.Writer
	File    FileConfig
	// Format selects "json" (default) or "text" lines.
	Format string
	Level  slog.Level
}

// Setup configures the standard library logger to emit structured lines to the
// console and, when configured, to a rotating log file. It returns the
// underlying slog.Logger and a closer for the file sink. All log lines include
// the service name and environment when provided.
func Setup(service, env string, opts Options) (*slog.Logger, io.Closer) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	out := console
	if path := strings.TrimSpace(opts.File.Path); path != "" {
		sink := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		}
		out = io.MultiWriter(console, sink)
		closer = sink
	}

	handlerOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return Redact(attr)
		},
	}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
