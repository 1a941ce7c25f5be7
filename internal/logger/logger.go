package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	loggerMu   sync.RWMutex
	baseLogger zerolog.Logger
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	baseLogger = newLogger(os.Stdout)
}

// FileConfig describes the optional rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	JSON       bool
}

func newLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
}

// SetOutput replaces the log destination. Output is human readable.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(consoleWriter(w))
	loggerMu.Unlock()
}

// Setup sends logs to stdout and, when a path is given, to a rotating file.
// The returned closer flushes and closes the file.
func Setup(cfg FileConfig) (io.Closer, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	var file io.Writer = lj
	if !cfg.JSON {
		file = consoleWriter(lj)
	}
	loggerMu.Lock()
	baseLogger = newLogger(zerolog.MultiLevelWriter(consoleWriter(os.Stdout), file))
	loggerMu.Unlock()
	return lj, nil
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func activeLogger() *zerolog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	return &l
}

// With returns a child logger carrying a component field, for callers that
// want structured fields instead of formatted strings.
func With(component string) zerolog.Logger {
	return activeLogger().With().Str("component", component).Logger()
}

func Debugf(format string, v ...any) {
	activeLogger().Debug().Msg(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info().Msg(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn().Msg(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error().Msg(fmt.Sprintf(format, v...))
}

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	lines := strings.Split(block, "\n")
	for _, line := range lines {
		Infof("%s", line)
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
