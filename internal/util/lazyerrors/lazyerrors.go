// Copyright 2024 The lmsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lazyerrors provides error wrapping that records the call site.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error annotated with the program counter of the caller that created it.
type located struct {
	err error
	pc  uintptr
}

// Error implements error interface.
func (e *located) Error() string {
	if e.pc == 0 {
		return e.err.Error()
	}

	frames := runtime.CallersFrames([]uintptr{e.pc})
	f, _ := frames.Next()

	if f.File == "" {
		return "[unknown] " + e.err.Error()
	}

	loc := filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)
	if f.Function != "" {
		loc += " " + f.Function[strings.LastIndex(f.Function, "/")+1:]
	}

	return "[" + loc + "] " + e.err.Error()
}

// Unwrap returns the wrapped error.
func (e *located) Unwrap() error {
	return e.err
}

// caller returns the program counter of New/Error/Errorf caller.
func caller() uintptr {
	pcs := make([]uintptr, 1)
	if runtime.Callers(3, pcs) < 1 {
		return 0
	}

	return pcs[0]
}

// New returns a new error with the given text, annotated with the call site.
func New(text string) error {
	return &located{err: errors.New(text), pc: caller()}
}

// Error annotates err with the call site.
//
// It panics if err is nil.
func Error(err error) error {
	if err == nil {
		panic("err is nil")
	}

	return &located{err: err, pc: caller()}
}

// Errorf is like fmt.Errorf, but annotates the result with the call site.
// Use %w verb to keep the wrapped error available to errors.Is and errors.As.
func Errorf(format string, a ...any) error {
	return &located{err: fmt.Errorf(format, a...), pc: caller()}
}

// UnwrapAll returns the innermost error in the chain, or nil if err is nil.
func UnwrapAll(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}

		err = next
	}

	return nil
}
