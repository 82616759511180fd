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

// Package sandbox executes programs in isolation.
//
// A program can only reach the outside world through five host calls:
// attaching a Blob into a read-only region, detaching a region, resolving a
// Tree entry, freezing a read-write region into a Blob, and designating an
// output. No filesystem, network, clock, or randomness is ever exposed, so
// a program's output is a function of its encode Tree alone.
//
// The host side of those calls lives in Process. Guests are pluggable:
// an Interpreter recognizes a program representation and turns it into a
// Guest that issues host calls against the Process. The builtin interpreter
// in this package runs natively registered programs; package sandbox/wasm
// runs WebAssembly modules.
package sandbox

import (
	"context"

	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/storage"
)

// A Guest is a loaded program instance. Apply runs it to completion against
// the host state in p; a non-nil error is a trap, fatal for the enclosing
// application.
type Guest interface {
	Apply(ctx context.Context, p *Process) error
}

// GuestFunc adapts a function to the Guest interface.
type GuestFunc func(ctx context.Context, p *Process) error

func (f GuestFunc) Apply(ctx context.Context, p *Process) error { return f(ctx, p) }

// An Interpreter loads programs of some representation.
type Interpreter interface {
	// Name identifies the interpreter in traps and traces.
	Name() string

	// CanRun reports whether program bytes are in this interpreter's
	// representation.
	CanRun(program []byte) bool

	// Load turns program bytes into a callable Guest. progHandle is the
	// program Blob's Name, usable as a cache key for compiled forms.
	Load(ctx context.Context, progHandle handle.Handle, program []byte) (Guest, error)
}

// A Sandbox applies encode Trees by dispatching their program entry to a
// matching interpreter and running the loaded guest over a fresh Process.
type Sandbox struct {
	store   *storage.Store
	interps []Interpreter
	cfg     ProcessConfig
}

// New returns a Sandbox over the given store and interpreters, tried in
// order.
func New(store *storage.Store, interps ...Interpreter) *Sandbox {
	return &Sandbox{store: store, interps: interps}
}

// SetProcessConfig overrides the resource sizing of future Processes.
func (s *Sandbox) SetProcessConfig(cfg ProcessConfig) { s.cfg = cfg }

// Apply executes the application the encode Tree describes: entry 0 names
// the program, the remaining entries are its arguments. It returns the
// materialized output Name, or a trap.
func (s *Sandbox) Apply(ctx context.Context, encode handle.Handle) (handle.Handle, error) {
	entries, err := s.store.GetTree(encode)
	if err != nil {
		return handle.Handle{}, trapf("encode %v: %v", encode, err)
	}
	if len(entries) == 0 {
		return handle.Handle{}, trapf("encode %v is empty", encode)
	}
	prog := entries[0]
	bytes, err := s.store.GetBlob(prog)
	if err != nil {
		return handle.Handle{}, trapf("program %v: %v", prog, err)
	}
	interp := s.interpreterFor(bytes)
	if interp == nil {
		return handle.Handle{}, trapf("no interpreter for program %v", prog)
	}
	guest, err := interp.Load(ctx, prog, bytes)
	if err != nil {
		return handle.Handle{}, trapf("%s: loading %v: %v", interp.Name(), prog, err)
	}
	p := NewProcess(s.store, encode, s.cfg)
	if err := guest.Apply(ctx, p); err != nil {
		return handle.Handle{}, err
	}
	return p.Output()
}

func (s *Sandbox) interpreterFor(program []byte) Interpreter {
	for _, in := range s.interps {
		if in.CanRun(program) {
			return in
		}
	}
	return nil
}
