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

package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/storage"
)

func TestHostCallSequence(t *testing.T) {
	s := storage.NewStore()
	arg := s.PutBlob([]byte("payload"))
	tree, err := s.PutTree([]handle.Handle{s.PutBlob([]byte("prog")), arg})
	qt.Assert(t, qt.IsNil(err))
	p := NewProcess(s, tree, ProcessConfig{})

	// Resolve the argument, attach it, read it back.
	qt.Assert(t, qt.IsNil(p.GetTreeEntry(0, 1, 1)))
	qt.Assert(t, qt.IsNil(p.AttachBlob(1, 0)))
	data, err := p.ROData(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(bytes.Equal(data, []byte("payload"))))

	// Write scratch, freeze it, designate the frozen blob.
	rw, err := p.RWData(0)
	qt.Assert(t, qt.IsNil(err))
	copy(rw, "result")
	qt.Assert(t, qt.IsNil(p.FreezeBlob(0, 6, 2)))
	qt.Assert(t, qt.IsNil(p.DesignateOutput(2)))

	out, err := p.Output()
	qt.Assert(t, qt.IsNil(err))
	got, err := s.GetBlob(out)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(bytes.Equal(got, []byte("result"))))

	// Detach is total too.
	qt.Assert(t, qt.IsNil(p.DetachMem(0)))
	_, err = p.ROData(0)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

func TestTrapsAreTotal(t *testing.T) {
	s := storage.NewStore()
	arg := s.PutBlob([]byte{1})
	tree, err := s.PutTree([]handle.Handle{s.PutBlob([]byte("prog")), arg})
	qt.Assert(t, qt.IsNil(err))
	p := NewProcess(s, tree, ProcessConfig{Refs: 4, ROSlots: 2, RWSlots: 1, RWSize: 16})

	for _, call := range []struct {
		name string
		err  error
	}{
		{"ref out of range", p.AttachBlob(99, 0)},
		{"unset ref", p.AttachBlob(2, 0)},
		{"ro slot out of range", p.AttachBlob(0, 99)},
		{"attach of tree", p.AttachBlob(0, 0)},
		{"detach unattached", p.DetachMem(1)},
		{"detach out of range", p.DetachMem(99)},
		{"tree entry of non-tree", func() error {
			p.GetTreeEntry(0, 1, 1)
			return p.GetTreeEntry(1, 0, 2)
		}()},
		{"tree entry out of bounds", p.GetTreeEntry(0, 99, 1)},
		{"freeze out of range", p.FreezeBlob(99, 0, 1)},
		{"freeze oversize", p.FreezeBlob(0, 17, 1)},
		{"designate unset ref", p.DesignateOutput(3)},
	} {
		qt.Assert(t, qt.ErrorIs(call.err, errors.ErrExecutionTrap), qt.Commentf("%s", call.name))
	}
}

func TestAttachOfMissingBlobTraps(t *testing.T) {
	// A name can be well-formed yet unknown; attaching it traps rather
	// than failing silently.
	s := storage.NewStore()
	known := s.PutBlob([]byte("known"))
	tree, err := s.PutTree([]handle.Handle{known})
	qt.Assert(t, qt.IsNil(err))
	p := NewProcess(s, tree, ProcessConfig{})

	other := storage.NewStore().PutBlob([]byte("elsewhere"))
	qt.Assert(t, qt.IsNil(p.setRef(1, other)))
	qt.Assert(t, qt.ErrorIs(p.AttachBlob(1, 0), errors.ErrExecutionTrap))
}

func TestOutputMaterialization(t *testing.T) {
	s := storage.NewStore()
	a, b := s.PutBlob([]byte("a")), s.PutBlob([]byte("b"))
	tree, err := s.PutTree([]handle.Handle{s.PutBlob([]byte("prog")), a, b})
	qt.Assert(t, qt.IsNil(err))

	// No designated output traps.
	p := NewProcess(s, tree, ProcessConfig{})
	_, err = p.Output()
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))

	// A single output is returned as is.
	p = NewProcess(s, tree, ProcessConfig{})
	qt.Assert(t, qt.IsNil(p.GetTreeEntry(0, 1, 1)))
	qt.Assert(t, qt.IsNil(p.DesignateOutput(1)))
	out, err := p.Output()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(out, a))

	// Several outputs materialize as their tree.
	p = NewProcess(s, tree, ProcessConfig{})
	qt.Assert(t, qt.IsNil(p.GetTreeEntry(0, 1, 1)))
	qt.Assert(t, qt.IsNil(p.GetTreeEntry(0, 2, 2)))
	qt.Assert(t, qt.IsNil(p.DesignateOutput(1)))
	qt.Assert(t, qt.IsNil(p.DesignateOutput(2)))
	out, err = p.Output()
	qt.Assert(t, qt.IsNil(err))
	entries, err := s.GetTree(out)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(entries, []handle.Handle{a, b}))
}

func TestSandboxIdentity(t *testing.T) {
	s := storage.NewStore()
	arg := s.PutBlob([]byte("hello"))
	tree, err := s.PutTree([]handle.Handle{s.PutBlob(BuiltinProgram("identity")), arg})
	qt.Assert(t, qt.IsNil(err))

	sb := New(s, NewBuiltins())
	out, err := sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(out, arg))
}

func TestSandboxAddblob(t *testing.T) {
	s := storage.NewStore()
	tree, err := s.PutTree([]handle.Handle{
		s.PutBlob(BuiltinProgram("addblob")),
		handle.LiteralU32(1),
		handle.LiteralU32(2),
	})
	qt.Assert(t, qt.IsNil(err))

	sb := New(s, NewBuiltins())
	out, err := sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.IsNil(err))

	got, err := s.GetBlob(out)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint32(got), uint32(3)))
}

func TestSandboxNoInterpreter(t *testing.T) {
	s := storage.NewStore()
	tree, err := s.PutTree([]handle.Handle{s.PutBlob([]byte("gibberish"))})
	qt.Assert(t, qt.IsNil(err))

	sb := New(s, NewBuiltins())
	_, err = sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

func TestSandboxUnknownBuiltin(t *testing.T) {
	s := storage.NewStore()
	tree, err := s.PutTree([]handle.Handle{s.PutBlob(BuiltinProgram("no such guest"))})
	qt.Assert(t, qt.IsNil(err))

	sb := New(s, NewBuiltins())
	_, err = sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

func TestSandboxEmptyEncode(t *testing.T) {
	s := storage.NewStore()
	tree, err := s.PutTree(nil)
	qt.Assert(t, qt.IsNil(err))

	sb := New(s, NewBuiltins())
	_, err = sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

func TestProgramHeaderRoundTrip(t *testing.T) {
	module := []byte{0, 'a', 's', 'm', 1, 0, 0, 0}
	wrapped := WrapProgram(ProgramHeader{Name: "addblob", Inputs: 2, Outputs: 1}, module)

	hdr, got, err := ParseProgram(wrapped)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(hdr, ProgramHeader{Name: "addblob", Inputs: 2, Outputs: 1}))
	qt.Assert(t, qt.IsTrue(bytes.Equal(got, module)))

	// Unwrapped bytes pass through with a zero header.
	hdr, got, err = ParseProgram(module)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(hdr, ProgramHeader{}))
	qt.Assert(t, qt.IsTrue(bytes.Equal(got, module)))

	// A truncated header is an error, not a silent module.
	_, _, err = ParseProgram([]byte("fixprog\x00\xff"))
	qt.Assert(t, qt.IsNotNil(err))
}

func TestMakeEncode(t *testing.T) {
	s := storage.NewStore()
	prog := s.PutBlob(BuiltinProgram("identity"))
	arg := handle.LiteralU32(9)

	thunk, err := MakeEncode(s, prog, arg)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(thunk.Kind(), handle.Thunk))

	tree, err := s.GetThunk(thunk)
	qt.Assert(t, qt.IsNil(err))
	entries, err := s.GetTree(tree)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(entries, []handle.Handle{prog, arg}))
}
