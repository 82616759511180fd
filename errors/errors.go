// Copyright 2025 The Fix Authors
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

// Package errors defines the shared error types of the runtime.
//
// All failures are deterministic: programs are pure, so the core never
// retries, and every error propagates unchanged to the caller of the root
// Task. The sentinel values below classify the ways evaluation can fail;
// the structured types carry the details.
package errors

import (
	"errors"
	"fmt"

	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/task"
)

// New is a convenience wrapper for [errors.New] in the core library.
func New(msg string) error {
	return errors.New(msg)
}

// Newf is a convenience wrapper for [fmt.Errorf].
func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches the type to which
// target points.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

var (
	// ErrUnknownName reports a lookup against a Name absent from the store.
	ErrUnknownName = errors.New("unknown name")

	// ErrDoubleCache reports an attempt to cache a completed Task.
	ErrDoubleCache = errors.New("task already cached")

	// ErrStillBlocked reports an attempt to cache a Task whose blocked
	// counter has not reached zero.
	ErrStillBlocked = errors.New("task still blocked")

	// ErrSelfDependency reports a dependency edge from a Task to itself.
	ErrSelfDependency = errors.New("self-dependency")

	// ErrDependencyCycle reports a dependency edge that would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrExecutionTrap reports that a sandboxed program trapped.
	ErrExecutionTrap = errors.New("execution trap")

	// ErrTimeout reports that a blocking wait outlived its deadline.
	// Cached results are never invalidated by a timeout.
	ErrTimeout = errors.New("timeout")
)

// An UnknownName records which Name failed to resolve.
type UnknownName struct {
	Name handle.Handle
}

func (e *UnknownName) Error() string {
	return fmt.Sprintf("unknown name %v", e.Name)
}

func (e *UnknownName) Is(target error) bool {
	return target == ErrUnknownName
}

// A Trap records a sandbox trap. It is fatal for the enclosing Apply; the
// Task field is filled in at the evaluator boundary, where the failing
// application is known.
type Trap struct {
	Task   task.Task
	Reason string
}

func (e *Trap) Error() string {
	if e.Task == (task.Task{}) {
		return fmt.Sprintf("execution trap: %s", e.Reason)
	}
	return fmt.Sprintf("execution trap in %v: %s", e.Task, e.Reason)
}

func (e *Trap) Is(target error) bool {
	return target == ErrExecutionTrap
}

// A Cycle records the dependency edge whose insertion was rejected.
type Cycle struct {
	Dependee task.Task
	Depender task.Task
}

func (e *Cycle) Error() string {
	return fmt.Sprintf("dependency cycle: %v depends on %v", e.Depender, e.Dependee)
}

func (e *Cycle) Is(target error) bool {
	return target == ErrDependencyCycle
}
