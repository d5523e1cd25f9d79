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

// Package fsutil provides the resource layer for image builds: loop device
// allocation, mounts, filesystem creation, and the scoped cleanup stack that
// guarantees reverse-order release on every exit path.
package fsutil

import (
	"errors"
	"sync"
)

// Stack records acquired resources (loop devices, mount points, temporary
// directories) in acquisition order. Unwind releases them in reverse order
// and is the single recovery mechanism for both failures and interrupts: a
// build that pushed every acquisition can never leak a mount or a loop
// device.
type Stack struct {
	mu      sync.Mutex
	entries []stackEntry
}

type stackEntry struct {
	name    string
	release func() error
}

// NewStack returns an empty cleanup stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push records a resource and its release function. The release function
// must be idempotent; Unwind calls it exactly once but callers may also
// release early through other paths.
func (s *Stack) Push(name string, release func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, stackEntry{name: name, release: release})
}

// Len returns the number of resources still held.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Unwind releases every held resource in reverse acquisition order. It never
// stops early: a failing release is recorded and the unwind continues, so a
// stuck unmount cannot strand the loop device beneath it. The joined errors
// are returned for the caller to report; the stack is empty afterwards.
func (s *Stack) Unwind() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].release(); err != nil {
			errs = append(errs, errors.New(entries[i].name+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

// UnwindTo releases resources in reverse order down to, but not including,
// the entry with the given name. Used to quiesce mounts while keeping the
// workspace they live in. Unknown names unwind everything.
func (s *Stack) UnwindTo(name string) error {
	s.mu.Lock()
	keep := 0
	for i, e := range s.entries {
		if e.name == name {
			keep = i + 1
			break
		}
	}
	entries := s.entries[keep:]
	s.entries = s.entries[:keep]
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].release(); err != nil {
			errs = append(errs, errors.New(entries[i].name+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Names returns the held resource names in acquisition order. Used by tests
// and diagnostics.
func (s *Stack) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.name
	}
	return names
}
