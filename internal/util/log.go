package util

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLogLevel atomic.Int32
	logger          = newLogger()
)

func newLogger() *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           log.InfoLevel,
	})
	if !IsTerminal(os.Stderr.Fd()) {
		l.SetColorProfile(termenv.Ascii)
	}
	currentLogLevel.Store(int32(LevelInfo))
	return l
}

// Logger returns the process-wide logger
func Logger() *log.Logger {
	return logger
}

// Slog returns a slog.Logger sharing the process-wide handler
func Slog() *slog.Logger {
	return slog.New(logger)
}

// SetLogLevel sets the minimum log level to display
func SetLogLevel(level LogLevel) {
	currentLogLevel.Store(int32(level))
	switch level {
	case LevelDebug:
		logger.SetLevel(log.DebugLevel)
	case LevelInfo:
		logger.SetLevel(log.InfoLevel)
	case LevelWarn:
		logger.SetLevel(log.WarnLevel)
	default:
		logger.SetLevel(log.ErrorLevel)
	}
}

// SetVerbose enables verbose (debug) logging
func SetVerbose(verbose bool) {
	if verbose {
		SetLogLevel(LevelDebug)
	}
}

// SetQuiet enables quiet mode (errors only)
func SetQuiet(quiet bool) {
	if quiet {
		SetLogLevel(LevelError)
	}
}

// IsQuiet reports whether only errors are printed
func IsQuiet() bool {
	return LogLevel(currentLogLevel.Load()) >= LevelError
}

// SetColors enables or disables colored output
func SetColors(enabled bool) {
	if enabled {
		logger.SetColorProfile(termenv.ANSI256)
		return
	}
	logger.SetColorProfile(termenv.Ascii)
}

// DebugLog logs debug messages
func DebugLog(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

// InfoLog logs informational messages
func InfoLog(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

// WarnLog logs warning messages
func WarnLog(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

// ErrorLog logs error messages
func ErrorLog(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

// SuccessLog logs success messages (always shown unless quiet)
func SuccessLog(format string, args ...interface{}) {
	logger.Info("✓ " + fmt.Sprintf(format, args...))
}
