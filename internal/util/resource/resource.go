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

// Package resource tracks lifetimes of objects that must be explicitly ended.
//
// Tracking is active only in development builds.
// An object that becomes unreachable while still tracked makes the program panic
// from the finalizer goroutine, reporting where the object was created.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	runtimedebug "runtime/debug"
	"sync/atomic"

	"github.com/lms-server/lms/internal/util/devbuild"
)

// Token is a field of a tracked object.
type Token struct {
	tracked atomic.Bool
	msg     string
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// Track starts tracking the lifetime of obj until Untrack is called on it.
//
// Obj should be a pointer to a struct with a field "token" of type *Token.
func Track[T any](obj *T, token *Token) {
	if !devbuild.Enabled {
		return
	}

	checkArgs(obj, token)

	token.msg = fmt.Sprintf("%T has not been ended\nObject created by %s", obj, runtimedebug.Stack())
	token.tracked.Store(true)

	runtime.SetFinalizer(obj, func(obj *T) {
		if token.tracked.Load() {
			panic(token.msg)
		}
	})
}

// Untrack stops tracking the lifetime of obj.
//
// It is safe to call it multiple times.
func Untrack[T any](obj *T, token *Token) {
	if !devbuild.Enabled {
		return
	}

	checkArgs(obj, token)

	if token.tracked.Swap(false) {
		runtime.SetFinalizer(obj, nil)
	}
}

// checkArgs checks Track and Untrack arguments.
func checkArgs(obj any, token *Token) {
	if token == nil {
		panic("token must not be nil")
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("obj must be a non-nil pointer to struct, got %T", obj))
	}

	f := v.Elem().FieldByName("token")
	if f.Kind() != reflect.Pointer || f.Pointer() != reflect.ValueOf(token).Pointer() {
		panic("token must be a pointer field of obj")
	}
}
