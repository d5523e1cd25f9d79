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

// Package errors provides error wrapping utilities and the error taxonomy
// shared by the imager plugins, the creator, and the CLI front end.
package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with a descriptive action and optional detail.
// It returns a formatted error in the form "failed to <action> [(<detail>)]: <error>".
//
// Example usage:
//
//	if err := mountRoot(); err != nil {
//	    return errors.Wrap("mount image root", imgPath, err)
//	}
func Wrap(action, detail string, err error) error {
	if err == nil {
		return nil
	}

	if detail != "" {
		return fmt.Errorf("failed to %s (%s): %w", action, detail, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrUsage indicates a malformed invocation (wrong argument count or
	// an invalid flag value). It terminates without diagnostics.
	ErrUsage = errors.New("usage error")

	// ErrDetection indicates an image file whose format could not be
	// classified from its magic signatures.
	ErrDetection = errors.New("image format not recognized")

	// ErrUnsupportedOperation indicates a plugin that lacks the requested
	// capability (e.g. a format that cannot unpack).
	ErrUnsupportedOperation = errors.New("operation not supported by plugin")

	// ErrConversion indicates an unsatisfiable format conversion: no
	// compatible plugin pair, or a structural mismatch while packing.
	ErrConversion = errors.New("conversion not possible")

	// ErrResourceExhausted indicates the host ran out of loop devices or
	// disk space after the bounded retry budget was spent.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPermission indicates a privileged operation attempted without
	// root. The tool fails fast instead of escalating.
	ErrPermission = errors.New("root permission required")

	// ErrAbort indicates the user declined a confirmation prompt. It is a
	// clean cancellation, not a failure.
	ErrAbort = errors.New("aborted by user")

	// ErrNotFound indicates a missing target: a registry lookup miss or a
	// path that does not exist.
	ErrNotFound = errors.New("not found")
)

// Usagef returns an ErrUsage with a formatted message.
func Usagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Detectionf returns an ErrDetection with a formatted message.
func Detectionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDetection, fmt.Sprintf(format, args...))
}

// Unsupportedf returns an ErrUnsupportedOperation with a formatted message.
func Unsupportedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, fmt.Sprintf(format, args...))
}

// Conversionf returns an ErrConversion with a formatted message.
func Conversionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConversion, fmt.Sprintf(format, args...))
}

// Exhaustedf returns an ErrResourceExhausted with a formatted message.
func Exhaustedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

// BuildStepError reports a failed creator state-machine transition. The
// acquisition stack has already been unwound by the time one of these
// surfaces; it carries the step name so operators can tell where the build
// died.
type BuildStepError struct {
	Step string
	Err  error
}

// NewBuildStepError wraps err as a failure of the named build step.
func NewBuildStepError(step string, err error) *BuildStepError {
	return &BuildStepError{Step: step, Err: err}
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("build step %q failed: %v", e.Step, e.Err)
}

func (e *BuildStepError) Unwrap() error {
	return e.Err
}

// IsClean reports whether err should terminate without a diagnostic dump:
// usage errors and user aborts print a single line only.
func IsClean(err error) bool {
	return errors.Is(err, ErrUsage) || errors.Is(err, ErrAbort)
}
