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

// Package task defines the unit of work of the runtime: an operation to
// perform on a named object. Two Tasks with the same operation and target
// are the same Task; the pair is the identity the memo cache keys on.
package task

import (
	"fmt"

	"github.com/Tweoss/fix/handle"
)

// An Op says what to do to a Task's target.
type Op uint8

const (
	// Eval reduces the target to its Value form.
	Eval Op = iota
	// Apply executes the program named by a Thunk's encode Tree.
	Apply
	// Fill makes the target's transitive contents resolvable in the store.
	Fill
)

func (o Op) String() string {
	switch o {
	case Eval:
		return "eval"
	case Apply:
		return "apply"
	case Fill:
		return "fill"
	default:
		return "invalid"
	}
}

// A Task pairs an operation with its target. Tasks are comparable values
// and are used directly as map keys.
type Task struct {
	Op     Op
	Target handle.Handle
}

// MakeEval returns the Task that reduces h to a Value.
func MakeEval(h handle.Handle) Task { return Task{Op: Eval, Target: h} }

// MakeApply returns the Task that applies the Thunk h.
func MakeApply(h handle.Handle) Task { return Task{Op: Apply, Target: h} }

// MakeFill returns the Task that fills h's transitive contents.
func MakeFill(h handle.Handle) Task { return Task{Op: Fill, Target: h} }

func (t Task) String() string {
	return fmt.Sprintf("%v(%v)", t.Op, t.Target)
}
