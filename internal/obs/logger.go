package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the process logger.
type LogOptions struct {
	Level  string
	Format string // text or json
	// File enables rotated file output in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultLogOptions returns default rotation settings for file.
func DefaultLogOptions(file string) LogOptions {
	return LogOptions{
		Level:      "info",
		Format:     "text",
		File:       file,
		MaxSizeMB:  10,
		MaxBackups: 10,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewRotatingWriter creates a lumberjack writer for opts.File.
func NewRotatingWriter(opts LogOptions) *lumberjack.Logger {
	d := DefaultLogOptions(opts.File)
	if opts.MaxSizeMB > 0 {
		d.MaxSizeMB = opts.MaxSizeMB
	}
	if opts.MaxBackups > 0 {
		d.MaxBackups = opts.MaxBackups
	}
	if opts.MaxAgeDays > 0 {
		d.MaxAgeDays = opts.MaxAgeDays
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    d.MaxSizeMB,
		MaxBackups: d.MaxBackups,
		MaxAge:     d.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogger configures logger from opts. The returned closer releases the
// log file, if any.
func SetupLogger(logger *logrus.Logger, opts LogOptions) (io.Closer, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := NewRotatingWriter(opts)
	logger.SetOutput(io.MultiWriter(os.Stderr, w))
	return w, nil
}
