// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects where and how log records are written.
type Options struct {
	Level slog.Level
	// LogFile, when set, receives JSON records appended to the file.
	// Otherwise colorized text goes to stderr.
	LogFile string
	NoColor bool
}

// Setup installs the default logger. The returned closer is non-nil when a
// log file was opened; the caller owns it for the process lifetime.
func Setup(opts Options) (io.Closer, error) {
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		inner := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.Level})
		slog.SetDefault(slog.New(NewContextHandler(inner)))
		return f, nil
	}

	inner := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	})
	slog.SetDefault(slog.New(NewContextHandler(inner)))
	return nil, nil
}
