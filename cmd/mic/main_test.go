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

package main

import (
	"errors"
	"fmt"
	"io"
	"testing"

	micerrors "github.com/sailfishos/mic/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "success",
			err:  nil,
			want: exitOK,
		},
		{
			name: "user abort is clean",
			err:  fmt.Errorf("overwrite declined: %w", micerrors.ErrAbort),
			want: exitOK,
		},
		{
			name: "usage error",
			err:  micerrors.Usagef("unknown image format %q", "qcow3"),
			want: exitUsage,
		},
		{
			name: "build failure",
			err:  micerrors.NewBuildStepError("populate", errors.New("install failed")),
			want: exitError,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: exitError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrongArgCountIsUsageError(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "convert missing destination", args: []string{"convert", "rootfs.img"}},
		{name: "convert extra argument", args: []string{"convert", "rootfs.img", "raw", "extra"}},
		{name: "chroot without target", args: []string{"chroot"}},
		{name: "create without build description", args: []string{"create"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootCmd.SetOut(io.Discard)
			rootCmd.SetErr(io.Discard)
			rootCmd.SetArgs(tt.args)

			err := rootCmd.Execute()
			if err == nil {
				t.Fatal("expected an argument count error")
			}
			if !errors.Is(err, micerrors.ErrUsage) {
				t.Errorf("error = %v, want usage error", err)
			}
			if got := exitCode(err); got != exitUsage {
				t.Errorf("exitCode(%v) = %d, want %d", err, got, exitUsage)
			}
		})
	}
}

func TestParseTokenMap(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    map[string]string
		wantErr bool
	}{
		{
			name:    "empty",
			entries: nil,
			want:    map[string]string{},
		},
		{
			name:    "single token",
			entries: []string{"RELEASE:4.6.0.13"},
			want:    map[string]string{"RELEASE": "4.6.0.13"},
		},
		{
			name:    "multiple tokens",
			entries: []string{"ARCH:armv7hl", "DEVICE:tbj"},
			want:    map[string]string{"ARCH": "armv7hl", "DEVICE": "tbj"},
		},
		{
			name:    "value may contain colons",
			entries: []string{"REPOURL:https://repo.example.com/releases"},
			want:    map[string]string{"REPOURL": "https://repo.example.com/releases"},
		},
		{
			name:    "missing separator",
			entries: []string{"RELEASE"},
			wantErr: true,
		},
		{
			name:    "empty token name",
			entries: []string{":value"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenMap(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, micerrors.ErrUsage) {
					t.Errorf("error = %v, want usage error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTokenMap() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tokens, want %d", len(got), len(tt.want))
			}
			for name, value := range tt.want {
				if got[name] != value {
					t.Errorf("token %s = %q, want %q", name, got[name], value)
				}
			}
		})
	}
}
