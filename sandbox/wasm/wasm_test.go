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

package wasm

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/runtime"
	"github.com/Tweoss/fix/sandbox"
	"github.com/Tweoss/fix/storage"
)

// emptyModule is the smallest valid binary module: magic and version.
var emptyModule = []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}

// The tests below hand-assemble binary modules so that the host-call
// bridge is exercised by real guest code, not only by the Process methods
// behind it. Every length involved fits a single LEB128 byte, which keeps
// the encoding helpers trivial.

// Function indices of the host imports, in the order guestModule imports
// them.
const (
	fnAttachBlob = iota
	fnDetachMem
	fnGetTreeEntry
	fnFreezeBlob
	fnDesignateOutput
)

func wasmSection(id byte, body []byte) []byte {
	return append([]byte{id, byte(len(body))}, body...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// i32const encodes i32.const v; v must stay in the single-byte signed
// LEB128 range.
func i32const(v byte) []byte {
	if v > 63 {
		panic("i32const out of single-byte range")
	}
	return []byte{0x41, v}
}

func call(fn byte) []byte {
	return []byte{0x10, fn}
}

// guestModule assembles a module that imports the five host calls from
// "fixpoint", exports one linear memory as both "ro_mem_0" and "rw_mem_0",
// and runs body as its "_fixpoint_apply" entry. Sharing the memory between
// the two slot names lets a body freeze back bytes the host attached,
// proving the bytes crossed guest memory, without needing load or store
// instructions.
func guestModule(body []byte) []byte {
	// Types: 0 (i32,i32,i32)->(), 1 (i32,i32)->(), 2 (i32)->(), 3 ()->().
	types := []byte{4}
	types = append(types, 0x60, 3, 0x7f, 0x7f, 0x7f, 0)
	types = append(types, 0x60, 2, 0x7f, 0x7f, 0)
	types = append(types, 0x60, 1, 0x7f, 0)
	types = append(types, 0x60, 0, 0)

	imports := []byte{5}
	for _, im := range []struct {
		name string
		typ  byte
	}{
		{"attach_blob", 1},
		{"detach_mem", 1},
		{"get_tree_entry", 0},
		{"freeze_blob", 0},
		{"designate_output", 2},
	} {
		imports = append(imports, wasmName("fixpoint")...)
		imports = append(imports, wasmName(im.name)...)
		imports = append(imports, 0x00, im.typ)
	}

	exports := []byte{3}
	exports = append(exports, wasmName("_fixpoint_apply")...)
	exports = append(exports, 0x00, 5) // function index 5, after the imports
	exports = append(exports, wasmName("ro_mem_0")...)
	exports = append(exports, 0x02, 0)
	exports = append(exports, wasmName("rw_mem_0")...)
	exports = append(exports, 0x02, 0)

	code := []byte{1, byte(len(body) + 2), 0} // one body, no locals
	code = append(code, body...)
	code = append(code, 0x0b) // end

	mod := append([]byte(nil), emptyModule...)
	mod = append(mod, wasmSection(1, types)...)
	mod = append(mod, wasmSection(2, imports)...)
	mod = append(mod, wasmSection(3, []byte{1, 3})...)    // one function of type 3
	mod = append(mod, wasmSection(5, []byte{1, 0, 1})...) // one memory, min one page
	mod = append(mod, wasmSection(7, exports)...)
	mod = append(mod, wasmSection(10, code)...)
	return mod
}

func TestCanRun(t *testing.T) {
	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	qt.Assert(t, qt.IsTrue(in.CanRun(emptyModule)))
	qt.Assert(t, qt.IsTrue(in.CanRun(sandbox.WrapProgram(sandbox.ProgramHeader{Name: "m"}, emptyModule))))
	qt.Assert(t, qt.IsFalse(in.CanRun(sandbox.BuiltinProgram("identity"))))
	qt.Assert(t, qt.IsFalse(in.CanRun([]byte("plain text"))))
}

func TestLoadCompiles(t *testing.T) {
	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	prog := s.PutBlob(emptyModule)

	g, err := in.Load(context.Background(), prog, emptyModule)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(g))

	// The compiled form is cached by program name.
	g2, err := in.Load(context.Background(), prog, emptyModule)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(g2))
}

func TestLoadRejectsGarbage(t *testing.T) {
	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	bad := []byte("\x00asm not really")
	prog := s.PutBlob(bad)
	_, err = in.Load(context.Background(), prog, bad)
	qt.Assert(t, qt.IsNotNil(err))
}

// TestApplyWithoutEntryTraps runs a well-formed module that exports no
// apply entry; the application must trap, not hang or succeed.
func TestApplyWithoutEntryTraps(t *testing.T) {
	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	tree, err := s.PutTree([]handle.Handle{s.PutBlob(emptyModule)})
	qt.Assert(t, qt.IsNil(err))

	sb := sandbox.New(s, in)
	_, err = sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

// TestHostCallsFromGuest drives all five host calls from real guest code:
// the module resolves its argument from the encode tree, has the host
// attach it into guest memory, freezes the first four attached bytes back
// out of the same memory, detaches, and designates the frozen blob. The
// output proves the argument bytes round-tripped through guest linear
// memory.
func TestHostCallsFromGuest(t *testing.T) {
	var body []byte
	body = append(body, i32const(0)...) // ref 0: the encode tree
	body = append(body, i32const(1)...)
	body = append(body, i32const(1)...) // ref 1: the argument
	body = append(body, call(fnGetTreeEntry)...)
	body = append(body, i32const(1)...)
	body = append(body, i32const(0)...) // attach into ro_mem_0
	body = append(body, call(fnAttachBlob)...)
	body = append(body, i32const(0)...)
	body = append(body, i32const(4)...) // freeze 4 bytes of rw_mem_0
	body = append(body, i32const(2)...) // into ref 2
	body = append(body, call(fnFreezeBlob)...)
	body = append(body, i32const(0)...)
	body = append(body, i32const(1)...)
	body = append(body, call(fnDetachMem)...)
	body = append(body, i32const(2)...)
	body = append(body, call(fnDesignateOutput)...)

	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	arg := s.PutBlob([]byte("payload"))
	tree, err := s.PutTree([]handle.Handle{s.PutBlob(guestModule(body)), arg})
	qt.Assert(t, qt.IsNil(err))

	sb := sandbox.New(s, in)
	out, err := sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.IsNil(err))

	got, err := s.GetBlob(out)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(bytes.Equal(got, []byte("payl"))))
}

// TestGuestTrapSurfaces checks the panic-to-error path of the host bridge:
// a guest that misuses a host call fails its application with an execution
// trap rather than a silent result.
func TestGuestTrapSurfaces(t *testing.T) {
	var body []byte
	body = append(body, i32const(0)...) // ref 0 is the encode tree, not a blob
	body = append(body, i32const(0)...)
	body = append(body, call(fnAttachBlob)...)

	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	tree, err := s.PutTree([]handle.Handle{s.PutBlob(guestModule(body))})
	qt.Assert(t, qt.IsNil(err))

	sb := sandbox.New(s, in)
	_, err = sb.Apply(context.Background(), tree)
	qt.Assert(t, qt.ErrorIs(err, errors.ErrExecutionTrap))
}

// TestGuestThroughRuntime reduces a thunk over a wasm program through the
// whole engine: fill, apply, and eval all driven by the worker pool.
func TestGuestThroughRuntime(t *testing.T) {
	var body []byte
	body = append(body, i32const(0)...)
	body = append(body, i32const(1)...)
	body = append(body, i32const(1)...)
	body = append(body, call(fnGetTreeEntry)...)
	body = append(body, i32const(1)...)
	body = append(body, call(fnDesignateOutput)...)

	in, err := New()
	qt.Assert(t, qt.IsNil(err))
	defer in.Close(context.Background())

	s := storage.NewStore()
	arg := s.PutBlob([]byte("through the engine"))
	prog := s.PutBlob(sandbox.WrapProgram(sandbox.ProgramHeader{Name: "ident", Inputs: 1, Outputs: 1}, guestModule(body)))
	thunk, err := sandbox.MakeEncode(s, prog, arg)
	qt.Assert(t, qt.IsNil(err))

	rt := runtime.New(s, runtime.Config{
		Workers:      2,
		Interpreters: []sandbox.Interpreter{in},
	})
	defer rt.Close()

	got, err := rt.EvalBlocking(context.Background(), thunk)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, arg))
}
