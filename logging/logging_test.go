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

package logging_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/sailfishos/mic/logging"
)

func TestNewWithOptions(t *testing.T) {
	tests := []struct {
		name        string
		logLevel    string
		format      string
		quiet       bool
		verbose     bool
		wantLevel   slog.Level
		wantOutput  logging.OutputType
		wantQuiet   bool
		wantVerbose bool
	}{
		{
			name:       "default settings",
			logLevel:   "info",
			format:     "text",
			wantLevel:  slog.LevelInfo,
			wantOutput: logging.PlainOutput,
		},
		{
			name:       "quiet error level",
			logLevel:   "error",
			format:     "text",
			quiet:      true,
			wantLevel:  slog.LevelError,
			wantOutput: logging.PlainOutput,
			wantQuiet:  true,
		},
		{
			name:        "verbose forces debug level",
			logLevel:    "warn",
			format:      "color",
			verbose:     true,
			wantLevel:   slog.LevelDebug,
			wantOutput:  logging.ColorOutput,
			wantVerbose: true,
		},
		{
			name:       "unknown level falls back to info",
			logLevel:   "chatty",
			format:     "text",
			wantLevel:  slog.LevelInfo,
			wantOutput: logging.PlainOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logging.NewWithOptions(tt.logLevel, tt.format, tt.quiet, tt.verbose, nil)
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if logger.LogLevel != tt.wantLevel {
				t.Errorf("got level %v, want %v", logger.LogLevel, tt.wantLevel)
			}
			if logger.OutputType != tt.wantOutput {
				t.Errorf("got output type %v, want %v", logger.OutputType, tt.wantOutput)
			}
			if logger.Quiet != tt.wantQuiet {
				t.Errorf("got quiet %v, want %v", logger.Quiet, tt.wantQuiet)
			}
			if logger.Verbose != tt.wantVerbose {
				t.Errorf("got verbose %v, want %v", logger.Verbose, tt.wantVerbose)
			}
		})
	}
}

func TestConsoleFiltering(t *testing.T) {
	tests := []struct {
		name     string
		level    slog.Level
		quiet    bool
		verbose  bool
		log      func(l *logging.Logger)
		wantSeen bool
	}{
		{
			name:     "info shown at info level",
			level:    slog.LevelInfo,
			log:      func(l *logging.Logger) { l.Info("hello") },
			wantSeen: true,
		},
		{
			name:     "debug hidden at info level",
			level:    slog.LevelInfo,
			log:      func(l *logging.Logger) { l.Debug("hello") },
			wantSeen: false,
		},
		{
			name:     "debug shown at debug level",
			level:    slog.LevelDebug,
			log:      func(l *logging.Logger) { l.Debug("hello") },
			wantSeen: true,
		},
		{
			name:     "info hidden at warn level",
			level:    slog.LevelWarn,
			log:      func(l *logging.Logger) { l.Info("hello") },
			wantSeen: false,
		},
		{
			name:     "warn shown at warn level",
			level:    slog.LevelWarn,
			log:      func(l *logging.Logger) { l.Warn("hello") },
			wantSeen: true,
		},
		{
			name:     "debug shown in verbose mode",
			level:    slog.LevelInfo,
			verbose:  true,
			log:      func(l *logging.Logger) { l.Debug("hello") },
			wantSeen: true,
		},
		{
			name:     "info hidden in quiet mode",
			level:    slog.LevelInfo,
			quiet:    true,
			log:      func(l *logging.Logger) { l.Info("hello") },
			wantSeen: false,
		},
		{
			name:     "warn hidden in quiet mode",
			level:    slog.LevelInfo,
			quiet:    true,
			log:      func(l *logging.Logger) { l.Warn("hello") },
			wantSeen: false,
		},
		{
			name:     "error shown in quiet mode",
			level:    slog.LevelInfo,
			quiet:    true,
			log:      func(l *logging.Logger) { l.Error("hello") },
			wantSeen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var console bytes.Buffer
			logger := logging.New(tt.level)
			logger.ConsoleWriter = &console
			logger.Quiet = tt.quiet
			logger.Verbose = tt.verbose

			tt.log(logger)

			if seen := strings.Contains(console.String(), "hello"); seen != tt.wantSeen {
				t.Errorf("console output %q, want seen=%v", console.String(), tt.wantSeen)
			}
		})
	}
}

func TestLogfileGetsFilteredMessages(t *testing.T) {
	var console, file bytes.Buffer
	logger := logging.New(slog.LevelInfo)
	logger.ConsoleWriter = &console
	logger.FileWriter = &file
	logger.Quiet = true

	logger.Info("image staged at %s", "/var/tmp/build")

	if strings.Contains(console.String(), "image staged") {
		t.Errorf("quiet console should not show info, got %q", console.String())
	}
	if !strings.Contains(file.String(), "image staged at /var/tmp/build") {
		t.Errorf("logfile missing message, got %q", file.String())
	}
	if !strings.Contains(file.String(), "[INFO]") {
		t.Errorf("logfile missing level tag, got %q", file.String())
	}
}

func TestErrorAcceptsMixedFirstArg(t *testing.T) {
	tests := []struct {
		name     string
		firstArg interface{}
		args     []interface{}
		want     string
	}{
		{
			name:     "error value",
			firstArg: errors.New("mount failed"),
			want:     "mount failed",
		},
		{
			name:     "format string",
			firstArg: "step %s failed",
			args:     []interface{}{"populate"},
			want:     "step populate failed",
		},
		{
			name:     "other value",
			firstArg: 42,
			want:     "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var console bytes.Buffer
			logger := logging.New(slog.LevelInfo)
			logger.ConsoleWriter = &console

			logger.Error(tt.firstArg, tt.args...)

			if !strings.Contains(console.String(), tt.want) {
				t.Errorf("output %q, want substring %q", console.String(), tt.want)
			}
		})
	}
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   bool
		want  bool
	}{
		{name: "yes", input: "y\n", def: false, want: true},
		{name: "yes long form", input: "yes\n", def: false, want: true},
		{name: "no", input: "n\n", def: true, want: false},
		{name: "no long form", input: "no\n", def: true, want: false},
		{name: "empty keeps default false", input: "\n", def: false, want: false},
		{name: "empty keeps default true", input: "\n", def: true, want: true},
		{name: "garbage keeps default", input: "maybe\n", def: false, want: false},
		{name: "case insensitive", input: "YES\n", def: false, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logging.New(slog.LevelInfo)
			logger.PromptReader = strings.NewReader(tt.input)

			if got := logger.Ask("overwrite?", tt.def); got != tt.want {
				t.Errorf("Ask(%q, %v) = %v, want %v", tt.input, tt.def, got, tt.want)
			}
		})
	}
}

func TestAskNonInteractive(t *testing.T) {
	logger := logging.New(slog.LevelInfo)
	logger.PromptReader = strings.NewReader("y\n")
	logger.SetInteractive(false)

	if logger.Ask("overwrite?", false) {
		t.Error("non-interactive Ask must return the default, got true")
	}
	if !logger.Ask("overwrite?", true) {
		t.Error("non-interactive Ask must return the default, got false")
	}
}

func TestDetermineLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := logging.DetermineLogLevel(tt.in); got != tt.want {
				t.Errorf("DetermineLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := logging.New(slog.LevelDebug)
	ctx := logging.WithLogger(context.Background(), logger)

	if got := logging.FromContext(ctx); got != logger {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestFromContextFallback(t *testing.T) {
	if logging.FromContext(context.Background()) == nil {
		t.Error("FromContext must return a usable logger for a bare context")
	}
}

func TestContextHelpers(t *testing.T) {
	var console bytes.Buffer
	logger := logging.New(slog.LevelDebug)
	logger.ConsoleWriter = &console
	ctx := logging.WithLogger(context.Background(), logger)

	logging.InfoContext(ctx, "packaged %d artifacts", 3)
	logging.WarnContext(ctx, "kernel image missing")

	out := console.String()
	if !strings.Contains(out, "packaged 3 artifacts") {
		t.Errorf("missing info line in %q", out)
	}
	if !strings.Contains(out, "kernel image missing") {
		t.Errorf("missing warn line in %q", out)
	}
}
