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

package task

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/Tweoss/fix/handle"
)

func TestIdentityIsThePair(t *testing.T) {
	n := handle.LiteralU32(1)
	qt.Assert(t, qt.Equals(MakeEval(n), MakeEval(n)))
	qt.Assert(t, qt.Not(qt.Equals(MakeEval(n), MakeApply(n))))
	qt.Assert(t, qt.Not(qt.Equals(MakeEval(n), MakeEval(handle.LiteralU32(2)))))

	// Tasks are map keys.
	m := map[Task]int{MakeFill(n): 1}
	qt.Assert(t, qt.Equals(m[MakeFill(n)], 1))
}

func TestString(t *testing.T) {
	n := handle.LiteralU32(1)
	qt.Assert(t, qt.Matches(MakeEval(n).String(), `eval\(literal:[0-9a-f]{16}/4\)`))
	qt.Assert(t, qt.Matches(MakeApply(n).String(), `apply\(.*\)`))
	qt.Assert(t, qt.Matches(MakeFill(n).String(), `fill\(.*\)`))
}
