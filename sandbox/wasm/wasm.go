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

// Package wasm runs WebAssembly program modules in the sandbox.
//
// A program module imports the five host calls from module "fixpoint",
// exports an "_fixpoint_apply" entry, read-only memories named "ro_mem_<i>",
// read-write memories named "rw_mem_<i>", and one externref table. Names
// cross the boundary as externref table indices; bytes cross it by the host
// copying attached Blobs into ro memories and snapshotting rw memories on
// freeze. The module sees nothing else of the host.
package wasm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/sandbox"
)

// applyEntry is the exported entry point of a program module.
const applyEntry = "_fixpoint_apply"

// wasmMagic begins every binary module.
const wasmMagic = "\x00asm"

// processKey carries the active Process through the call Context into the
// host functions.
type processKey struct{}

func proc(ctx context.Context) *sandbox.Process {
	p, _ := ctx.Value(processKey{}).(*sandbox.Process)
	if p == nil {
		panic(&errors.Trap{Reason: "host call outside an application"})
	}
	return p
}

// An Interpreter compiles and runs wasm program modules. Compiled modules
// are cached by program Name; instances are per-application and share no
// memory.
type Interpreter struct {
	// ctx exists so that we have something to pass to Wazero functions
	// at construction and close; calls use the caller's Context.
	ctx     context.Context
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[handle.Handle]wazero.CompiledModule
}

// New returns an Interpreter with the host module instantiated.
func New() (*Interpreter, error) {
	ctx := context.Background()
	cfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | api.CoreFeatureMultiMemory)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	_, err := r.NewHostModuleBuilder("fixpoint").
		NewFunctionBuilder().WithFunc(attachBlob).Export("attach_blob").
		NewFunctionBuilder().WithFunc(detachMem).Export("detach_mem").
		NewFunctionBuilder().WithFunc(getTreeEntry).Export("get_tree_entry").
		NewFunctionBuilder().WithFunc(freezeBlob).Export("freeze_blob").
		NewFunctionBuilder().WithFunc(designateOutput).Export("designate_output").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}

	return &Interpreter{
		ctx:      ctx,
		runtime:  r,
		compiled: make(map[handle.Handle]wazero.CompiledModule),
	}, nil
}

// Close releases all compiled modules.
func (in *Interpreter) Close(ctx context.Context) error {
	return in.runtime.Close(ctx)
}

func (in *Interpreter) Name() string { return "wasm" }

// CanRun recognizes raw binary modules and header-wrapped program Blobs
// whose body is a binary module.
func (in *Interpreter) CanRun(program []byte) bool {
	if strings.HasPrefix(string(program), wasmMagic) {
		return true
	}
	_, module, err := sandbox.ParseProgram(program)
	return err == nil && strings.HasPrefix(string(module), wasmMagic)
}

// Load compiles the program module, reusing a previous compilation of the
// same Name if there was one.
func (in *Interpreter) Load(ctx context.Context, progHandle handle.Handle, program []byte) (sandbox.Guest, error) {
	in.mu.Lock()
	cm, ok := in.compiled[progHandle]
	in.mu.Unlock()
	if !ok {
		hdr, module, err := sandbox.ParseProgram(program)
		if err != nil {
			return nil, err
		}
		cm, err = in.runtime.CompileModule(in.ctx, module)
		if err != nil {
			return nil, fmt.Errorf("can't compile program %q: %w", hdr.Name, err)
		}
		in.mu.Lock()
		in.compiled[progHandle] = cm
		in.mu.Unlock()
	}
	return &guest{in: in, compiled: cm}, nil
}

// A guest is a compiled program module ready to instantiate.
type guest struct {
	in       *Interpreter
	compiled wazero.CompiledModule
}

// Apply instantiates the module, calls its apply entry, and tears the
// instance down. The Process rides the Context so the host functions can
// reach it.
func (g *guest) Apply(ctx context.Context, p *sandbox.Process) error {
	ctx = context.WithValue(ctx, processKey{}, p)

	cfg := wazero.NewModuleConfig().WithName(p.ID())
	mod, err := g.in.runtime.InstantiateModule(ctx, g.compiled, cfg)
	if err != nil {
		return &errors.Trap{Reason: fmt.Sprintf("can't instantiate program: %v", err)}
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(applyEntry)
	if fn == nil {
		return &errors.Trap{Reason: fmt.Sprintf("program exports no %q", applyEntry)}
	}

	// The apply entry takes the encode as an externref, which on this side
	// of the boundary is its table index: 0 by construction. Entries
	// compiled without the parameter read the table directly.
	var args []uint64
	if len(fn.Definition().ParamTypes()) == 1 {
		args = []uint64{0}
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		var trap *errors.Trap
		if errors.As(err, &trap) {
			return trap
		}
		return &errors.Trap{Reason: err.Error()}
	}

	// An entry that returns its output's externref and designated nothing
	// designates the returned Name.
	if len(res) == 1 && p.OutputCount() == 0 {
		if err := p.DesignateOutput(uint32(res[0])); err != nil {
			return err
		}
	}
	return nil
}

func roMemName(i uint32) string { return fmt.Sprintf("ro_mem_%d", i) }
func rwMemName(i uint32) string { return fmt.Sprintf("rw_mem_%d", i) }

// The host functions below bridge the five calls to guest memories. Traps
// are raised by panicking with the trap error; the wazero runtime converts
// the panic into an error returned from the apply call.

func attachBlob(ctx context.Context, mod api.Module, ref, mem uint32) {
	p := proc(ctx)
	if err := p.AttachBlob(ref, mem); err != nil {
		panic(err)
	}
	data, err := p.ROData(mem)
	if err != nil {
		panic(err)
	}
	m := mod.ExportedMemory(roMemName(mem))
	if m == nil {
		panic(&errors.Trap{Reason: fmt.Sprintf("program exports no %q", roMemName(mem))})
	}
	if !m.Write(0, data) {
		panic(&errors.Trap{Reason: fmt.Sprintf("blob of %d bytes exceeds %q", len(data), roMemName(mem))})
	}
}

func detachMem(ctx context.Context, mod api.Module, mem, ref uint32) {
	p := proc(ctx)
	if err := p.DetachMem(mem); err != nil {
		panic(err)
	}
}

func getTreeEntry(ctx context.Context, mod api.Module, src, i, dst uint32) {
	p := proc(ctx)
	if err := p.GetTreeEntry(src, uint64(i), dst); err != nil {
		panic(err)
	}
}

func freezeBlob(ctx context.Context, mod api.Module, rw, size, dst uint32) {
	p := proc(ctx)
	host, err := p.RWData(rw)
	if err != nil {
		panic(err)
	}
	if uint64(size) > uint64(len(host)) {
		panic(&errors.Trap{Reason: fmt.Sprintf("freeze of %d bytes exceeds rw slot of %d", size, len(host))})
	}
	m := mod.ExportedMemory(rwMemName(rw))
	if m == nil {
		panic(&errors.Trap{Reason: fmt.Sprintf("program exports no %q", rwMemName(rw))})
	}
	data, ok := m.Read(0, size)
	if !ok {
		panic(&errors.Trap{Reason: fmt.Sprintf("can't read %d bytes from %q", size, rwMemName(rw))})
	}
	copy(host, data)
	if err := p.FreezeBlob(rw, uint64(size), dst); err != nil {
		panic(err)
	}
}

func designateOutput(ctx context.Context, mod api.Module, ref uint32) {
	p := proc(ctx)
	if err := p.DesignateOutput(ref); err != nil {
		panic(err)
	}
}
