/*
Copyright © 2025 Jayson Grace <jayson.e.grace@gmail.com>

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// Package logging provides the message sink used across mic: leveled console
// output with optional color, an optional logfile, and an interactive
// confirmation prompt. All logging should be done through the context-based
// functions (InfoContext, WarnContext, etc.) so the configured logger
// propagates through create/convert/chroot flows.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// LogLevel represents the severity level of a log message
type LogLevel int

// OutputType represents the output format for logs
type OutputType int

// Output types for different log formats
const (
	PlainOutput OutputType = iota
	ColorOutput
)

// Log levels, ordered from least to most severe for numeric comparison.
const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is the mic message sink. Console output honors quiet/verbose modes;
// every message additionally goes to the logfile when one is configured,
// regardless of console filtering.
type Logger struct {
	mu            sync.Mutex
	LogLevel      slog.Level
	OutputType    OutputType
	Quiet         bool
	Verbose       bool
	ConsoleWriter io.Writer
	FileWriter    io.Writer
	Interactive   bool
	PromptReader  io.Reader
}

// formatMessage handles formatting based on output type and log level.
// For ColorOutput, it includes a colored level prefix.
func (l *Logger) formatMessage(level LogLevel, message string, args ...interface{}) string {
	formattedMsg := fmt.Sprintf(message, args...)

	if l.OutputType != ColorOutput {
		return fmt.Sprintf("[%s] %s", level, formattedMsg)
	}

	switch level {
	case DebugLevel:
		return color.HiBlackString("[DEBUG] %s", formattedMsg)
	case InfoLevel:
		return color.HiGreenString("[INFO] %s", formattedMsg)
	case WarnLevel:
		return color.HiYellowString("[WARN] %s", formattedMsg)
	case ErrorLevel:
		return color.HiRedString("[ERROR] %s", formattedMsg)
	default:
		return formattedMsg
	}
}

// slogLevel maps a message level onto the slog scale the configured
// threshold uses.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shouldShowOnConsoleLocked determines if a message should be shown on
// console. Must be called while holding l.mu.
// - In quiet mode, only errors are shown
// - In verbose mode, all messages are shown
// - Otherwise, messages at or above the configured level
func (l *Logger) shouldShowOnConsoleLocked(level LogLevel) bool {
	if l.Quiet {
		return level == ErrorLevel
	}

	if l.Verbose {
		return true
	}

	return level.slogLevel() >= l.LogLevel
}

func (l *Logger) log(level LogLevel, message string, args ...interface{}) {
	formattedMsg := l.formatMessage(level, message, args...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FileWriter != nil {
		// The logfile always gets the plain rendition.
		plain := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, fmt.Sprintf(message, args...))
		if _, err := io.WriteString(l.FileWriter, plain); err != nil {
			fmt.Fprintf(os.Stderr, "logfile write failed: %v\n", err)
		}
	}

	if l.shouldShowOnConsoleLocked(level) && l.ConsoleWriter != nil {
		if _, err := fmt.Fprintf(l.ConsoleWriter, "%s\n", formattedMsg); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", formattedMsg)
		}
	}
}

// New creates a Logger with default settings: plain output on stderr,
// interactive prompts enabled.
func New(level slog.Level) *Logger {
	return &Logger{
		LogLevel:      level,
		ConsoleWriter: os.Stderr,
		OutputType:    PlainOutput,
		Interactive:   true,
		PromptReader:  os.Stdin,
	}
}

// NewWithOptions creates a Logger with full configuration. logfile may be
// nil. If verbose is set the level is lowered to debug.
func NewWithOptions(logLevelStr, outputFormat string, quiet, verbose bool, logfile io.Writer) *Logger {
	logLevel := DetermineLogLevel(logLevelStr)

	outputType := PlainOutput
	if outputFormat == "color" {
		outputType = ColorOutput
	}

	if verbose && logLevel > slog.LevelDebug {
		logLevel = slog.LevelDebug
	}

	return &Logger{
		LogLevel:      logLevel,
		OutputType:    outputType,
		Quiet:         quiet,
		Verbose:       verbose,
		ConsoleWriter: os.Stderr,
		FileWriter:    logfile,
		Interactive:   logfile == nil,
		PromptReader:  os.Stdin,
	}
}

// SetInteractive enables or disables the confirmation prompt. When disabled,
// Ask returns its default answer without reading input.
func (l *Logger) SetInteractive(interactive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Interactive = interactive
}

// IsQuiet returns whether the logger is in quiet mode.
func (l *Logger) IsQuiet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Quiet
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(InfoLevel, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WarnLevel, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DebugLevel, format, args...)
}

// Error logs an error message. It accepts either an error, a format string,
// or any other value as the first argument.
func (l *Logger) Error(firstArg interface{}, args ...interface{}) {
	switch v := firstArg.(type) {
	case error:
		if len(args) == 0 {
			l.log(ErrorLevel, "%s", v.Error())
		} else {
			l.log(ErrorLevel, v.Error(), args...)
		}
	case string:
		l.log(ErrorLevel, v, args...)
	default:
		l.log(ErrorLevel, "%v", v)
	}
}

// Raw writes a line to stdout with no level prefix or filtering. Used for
// partition tables and artifact listings that must stay machine-readable.
func (l *Logger) Raw(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Ask prints a yes/no question and reads the answer. In non-interactive
// mode (logfile set, or explicitly disabled) it returns def without
// prompting, so unattended builds never hang on a question.
func (l *Logger) Ask(question string, def bool) bool {
	l.mu.Lock()
	interactive := l.Interactive
	reader := l.PromptReader
	l.mu.Unlock()

	if !interactive || reader == nil {
		return def
	}

	suffix := "(y/N)"
	if def {
		suffix = "(Y/n)"
	}
	fmt.Fprintf(os.Stderr, "%s %s ", question, suffix)

	line, err := bufio.NewReader(reader).ReadString('\n')
	if err != nil {
		return def
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

// DetermineLogLevel converts a string to slog.Level
func DetermineLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Context-based logging support

// loggerKeyType is the type for the logger context key
type loggerKeyType struct{}

var loggerKey = loggerKeyType{}

// WithLogger returns a new context with the provided logger.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves the logger from the context.
// If no logger is found in context, returns a new default logger instance.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
			return l
		}
	}

	return New(slog.LevelInfo)
}

// InfoContext logs an informational message using the logger from context.
func InfoContext(ctx context.Context, message string, args ...interface{}) {
	FromContext(ctx).Info(message, args...)
}

// WarnContext logs a warning message using the logger from context.
func WarnContext(ctx context.Context, message string, args ...interface{}) {
	FromContext(ctx).Warn(message, args...)
}

// DebugContext logs a debug message using the logger from context.
func DebugContext(ctx context.Context, message string, args ...interface{}) {
	FromContext(ctx).Debug(message, args...)
}

// ErrorContext logs an error message using the logger from context. It
// accepts either an error, a format string, or any other value as the first
// argument.
func ErrorContext(ctx context.Context, firstArg interface{}, args ...interface{}) {
	FromContext(ctx).Error(firstArg, args...)
}

// RawContext writes unfiltered stdout output using the logger from context.
func RawContext(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Raw(format, args...)
}

// AskContext asks a yes/no question using the logger from context.
func AskContext(ctx context.Context, question string, def bool) bool {
	return FromContext(ctx).Ask(question, def)
}
