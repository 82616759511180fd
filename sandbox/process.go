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
	"fmt"

	"github.com/google/uuid"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/storage"
)

// Defaults for a Process's resources. The read-write slot size matches one
// wasm page.
const (
	DefaultRefs    = 64
	DefaultROSlots = 8
	DefaultRWSlots = 4
	DefaultRWSize  = 65536
)

// A ProcessConfig sizes the resources of a Process. Zero fields take the
// defaults above.
type ProcessConfig struct {
	Refs    int // externref table length
	ROSlots int // read-only memory slots
	RWSlots int // read-write scratch slots
	RWSize  int // bytes per read-write slot
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	if c.Refs == 0 {
		c.Refs = DefaultRefs
	}
	if c.ROSlots == 0 {
		c.ROSlots = DefaultROSlots
	}
	if c.RWSlots == 0 {
		c.RWSlots = DefaultRWSlots
	}
	if c.RWSize == 0 {
		c.RWSize = DefaultRWSize
	}
	return c
}

type roSlot struct {
	h        handle.Handle
	data     []byte
	attached bool
}

// A Process is the host side of one application: the externref table, the
// read-only regions backed by attached Blobs, the read-write scratch
// regions, and the designated outputs. The five methods below are the only
// control surface a program has; their semantics are total, and misuse
// traps rather than failing silently. A Process is owned exclusively by one
// application at a time.
type Process struct {
	id    string
	store *storage.Store

	refs   []handle.Handle
	refSet []bool

	ro []roSlot
	rw [][]byte

	outputs []handle.Handle
}

// NewProcess returns a Process over the given store whose externref table
// has the encode Tree preloaded at index 0, which is how the program learns
// its arguments.
func NewProcess(store *storage.Store, encode handle.Handle, cfg ProcessConfig) *Process {
	cfg = cfg.withDefaults()
	p := &Process{
		id:     uuid.NewString(),
		store:  store,
		refs:   make([]handle.Handle, cfg.Refs),
		refSet: make([]bool, cfg.Refs),
		ro:     make([]roSlot, cfg.ROSlots),
		rw:     make([][]byte, cfg.RWSlots),
	}
	for i := range p.rw {
		p.rw[i] = make([]byte, cfg.RWSize)
	}
	p.refs[0] = encode
	p.refSet[0] = true
	return p
}

// ID identifies the Process in debug traces.
func (p *Process) ID() string { return p.id }

func trapf(format string, args ...interface{}) error {
	return &errors.Trap{Reason: fmt.Sprintf(format, args...)}
}

func (p *Process) ref(i uint32) (handle.Handle, error) {
	if int(i) >= len(p.refs) {
		return handle.Handle{}, trapf("ref index %d out of range [0,%d)", i, len(p.refs))
	}
	if !p.refSet[i] {
		return handle.Handle{}, trapf("ref index %d not set", i)
	}
	return p.refs[i], nil
}

func (p *Process) setRef(i uint32, h handle.Handle) error {
	if int(i) >= len(p.refs) {
		return trapf("ref index %d out of range [0,%d)", i, len(p.refs))
	}
	p.refs[i] = h
	p.refSet[i] = true
	return nil
}

// AttachBlob maps the bytes of the Blob at ref index ref into read-only
// slot ro. It traps if the ref does not name a Blob or Literal, if the Name
// is unknown to the store, or if either index is out of range.
func (p *Process) AttachBlob(ref, ro uint32) error {
	h, err := p.ref(ref)
	if err != nil {
		return err
	}
	if int(ro) >= len(p.ro) {
		return trapf("ro slot %d out of range [0,%d)", ro, len(p.ro))
	}
	if k := h.Kind(); k != handle.Blob && k != handle.Literal {
		return trapf("attach of %v handle %v", k, h)
	}
	data, err := p.store.GetBlob(h)
	if err != nil {
		return trapf("attach of %v: %v", h, err)
	}
	p.ro[ro] = roSlot{h: h, data: data, attached: true}
	return nil
}

// DetachMem unmaps read-only slot ro. It traps if the slot is out of range
// or nothing is attached there.
func (p *Process) DetachMem(ro uint32) error {
	if int(ro) >= len(p.ro) {
		return trapf("ro slot %d out of range [0,%d)", ro, len(p.ro))
	}
	if !p.ro[ro].attached {
		return trapf("detach of unattached ro slot %d", ro)
	}
	p.ro[ro] = roSlot{}
	return nil
}

// GetTreeEntry resolves the i-th Name of the Tree at ref index src and
// stores it at ref index dst. It traps if src does not name a Tree, the
// Tree is unknown, or i is out of bounds.
func (p *Process) GetTreeEntry(src uint32, i uint64, dst uint32) error {
	h, err := p.ref(src)
	if err != nil {
		return err
	}
	if h.Kind() != handle.Tree {
		return trapf("tree entry of %v handle %v", h.Kind(), h)
	}
	entries, err := p.store.GetTree(h)
	if err != nil {
		return trapf("tree entry of %v: %v", h, err)
	}
	if i >= uint64(len(entries)) {
		return trapf("tree entry %d out of range [0,%d)", i, len(entries))
	}
	return p.setRef(dst, entries[i])
}

// FreezeBlob computes the content Name of the first size bytes of
// read-write slot rw, inserts the Blob into the store, and records the Name
// at ref index dst. It traps if the slot is out of range or size exceeds
// the slot.
func (p *Process) FreezeBlob(rw uint32, size uint64, dst uint32) error {
	if int(rw) >= len(p.rw) {
		return trapf("rw slot %d out of range [0,%d)", rw, len(p.rw))
	}
	if size > uint64(len(p.rw[rw])) {
		return trapf("freeze of %d bytes exceeds rw slot of %d", size, len(p.rw[rw]))
	}
	h := p.store.PutBlob(p.rw[rw][:size])
	return p.setRef(dst, h)
}

// DesignateOutput records the Name at ref index ref as an output of the
// current application.
func (p *Process) DesignateOutput(ref uint32) error {
	h, err := p.ref(ref)
	if err != nil {
		return err
	}
	p.outputs = append(p.outputs, h)
	return nil
}

// ROData returns the bytes attached to read-only slot ro. It is a guest
// convenience, not a host call: native guests read attached regions through
// it, and the wasm binding copies them into guest memory instead.
func (p *Process) ROData(ro uint32) ([]byte, error) {
	if int(ro) >= len(p.ro) {
		return nil, trapf("ro slot %d out of range [0,%d)", ro, len(p.ro))
	}
	if !p.ro[ro].attached {
		return nil, trapf("read of unattached ro slot %d", ro)
	}
	return p.ro[ro].data, nil
}

// RWData returns the scratch bytes of read-write slot rw.
func (p *Process) RWData(rw uint32) ([]byte, error) {
	if int(rw) >= len(p.rw) {
		return nil, trapf("rw slot %d out of range [0,%d)", rw, len(p.rw))
	}
	return p.rw[rw], nil
}

// OutputCount reports how many outputs have been designated so far.
func (p *Process) OutputCount() int { return len(p.outputs) }

// Output materializes the final output of the application: the single
// designated Name, or the canonical Tree of the designated Names if the
// program designated several. A program that designated nothing traps.
func (p *Process) Output() (handle.Handle, error) {
	switch len(p.outputs) {
	case 0:
		return handle.Handle{}, trapf("no output designated")
	case 1:
		return p.outputs[0], nil
	default:
		h, err := p.store.PutTree(p.outputs)
		if err != nil {
			return handle.Handle{}, trapf("materializing %d outputs: %v", len(p.outputs), err)
		}
		return h, nil
	}
}
