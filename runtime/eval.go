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

package runtime

import (
	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/task"
)

// stepEval reduces t.Target to a Value.
//
// Blobs, Literals, and Tags are their own Values. A Tree's Value is the
// Tree of its entries' Values. A Thunk's Value is the Value of its
// application's result, which may itself be a Thunk; the chain is followed
// through the dependency machinery, one edge per link, so re-entries are
// cheap cache hits.
func (r *Runtime) stepEval(t task.Task) error {
	n := t.Target
	switch n.Kind() {
	case handle.Blob, handle.Literal, handle.Tag:
		return r.cache.Cache(t, n, r.enqueue)

	case handle.Tree:
		entries, err := r.store.GetTree(n)
		if err != nil {
			return err
		}
		values := make([]handle.Handle, len(entries))
		pending := false
		for i, e := range entries {
			v, ok, err := r.dep(task.MakeEval(e), t)
			if err != nil {
				return err
			}
			if !ok {
				pending = true
				continue
			}
			values[i] = v
		}
		if pending {
			return nil
		}
		out, err := r.store.PutTree(values)
		if err != nil {
			return err
		}
		r.logf("%v: tree of values %v", t, out)
		return r.cache.Cache(t, out, r.enqueue)

	case handle.Thunk:
		res, ok, err := r.dep(task.MakeApply(n), t)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// The application's result need not be a Value yet; a program may
		// output another Thunk. Eval it in turn. A program outputting its
		// own Thunk would need Eval(n) to wait on itself, which the
		// self-dependency guard rejects.
		v, ok, err := r.dep(task.MakeEval(res), t)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return r.cache.Cache(t, v, r.enqueue)
	}
	return errors.Newf("eval of invalid handle %v", n)
}

// stepApply executes the application a Thunk describes. The encode Tree's
// transitive contents are filled first, as a dependency, so the sandbox can
// read every input synchronously; only then does the program run. Traps are
// not cached.
func (r *Runtime) stepApply(t task.Task) error {
	n := t.Target
	if n.Kind() != handle.Thunk {
		return errors.Newf("apply of %v handle %v", n.Kind(), n)
	}
	if _, ok, err := r.dep(task.MakeFill(n), t); err != nil || !ok {
		return err
	}
	encode := handle.TreeOf(n)
	r.logf("%v: running sandbox over %v", t, encode)
	out, err := r.sb.Apply(r.ctx, encode)
	if err != nil {
		var trap *errors.Trap
		if errors.As(err, &trap) {
			return &errors.Trap{Task: t, Reason: trap.Reason}
		}
		return err
	}
	return r.cache.Cache(t, out, r.enqueue)
}

// stepFill ensures the transitive contents of t.Target are resolvable.
//
// The walk speculatively pre-increments the blocked counter by the number
// of direct children, then reconciles per child: already-filled children
// decrement, outstanding ones become edges. A zero count after the last
// child means everything was already filled and the Task completes
// synchronously; otherwise it suspends and the same code re-runs, by then
// finding every child complete, when the counter returns to zero.
func (r *Runtime) stepFill(t task.Task) error {
	children, err := r.fillChildren(t.Target)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return r.cache.Cache(t, t.Target, r.enqueue)
	}
	r.cache.IncrementBlocking(t, int64(len(children)))
	var count int64
	for _, c := range children {
		count, err = r.cache.AddDependencyOrDecrement(c, t, r.enqueue)
		if err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := r.failureOf(c); err != nil {
			return err
		}
	}
	if count == 0 {
		return r.cache.Cache(t, t.Target, r.enqueue)
	}
	return nil
}

// fillChildren returns the Fill subtasks of n's direct children, verifying
// n itself resolves. Literals have no store presence to ensure. A Tag is
// filled shallowly: the Tag object must resolve, but the Name its
// assertion is about is not forced.
func (r *Runtime) fillChildren(n handle.Handle) ([]task.Task, error) {
	switch n.Kind() {
	case handle.Literal:
		return nil, nil

	case handle.Blob:
		if !r.store.Contains(n) {
			return nil, &errors.UnknownName{Name: n}
		}
		return nil, nil

	case handle.Tree:
		entries, err := r.store.GetTree(n)
		if err != nil {
			return nil, err
		}
		var children []task.Task
		for _, e := range entries {
			if e.IsLiteral() {
				continue
			}
			children = append(children, task.MakeFill(e))
		}
		return children, nil

	case handle.Thunk:
		tree, err := r.store.GetThunk(n)
		if err != nil {
			return nil, err
		}
		return []task.Task{task.MakeFill(tree)}, nil

	case handle.Tag:
		if _, err := r.store.GetTag(n); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, errors.Newf("fill of invalid handle %v", n)
}
