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
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/Tweoss/fix/handle"
)

// BuiltinPrefix marks a program Blob as naming a natively registered guest
// rather than carrying executable code. The rest of the Blob is the guest's
// registered name.
const BuiltinPrefix = "fix:builtin\n"

// BuiltinProgram returns the program Blob bytes that select the named
// builtin guest.
func BuiltinProgram(name string) []byte {
	return []byte(BuiltinPrefix + name)
}

// Builtins is an Interpreter of natively registered guests. Builtins go
// through the same host-call surface as any other program; they exist so
// that hosts and tests can run programs without shipping module code.
type Builtins struct {
	mu     sync.RWMutex
	guests map[string]Guest
}

// NewBuiltins returns a Builtins with the example guests pre-registered:
// "identity", which designates its first argument, and "addblob", which
// sums two 4-byte little-endian arguments.
func NewBuiltins() *Builtins {
	b := &Builtins{guests: make(map[string]Guest)}
	b.Register("identity", GuestFunc(identityGuest))
	b.Register("addblob", GuestFunc(addblobGuest))
	return b
}

// Register makes g callable as BuiltinProgram(name). Later registrations
// replace earlier ones.
func (b *Builtins) Register(name string, g Guest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guests[name] = g
}

func (b *Builtins) Name() string { return "builtin" }

func (b *Builtins) CanRun(program []byte) bool {
	return strings.HasPrefix(string(program), BuiltinPrefix)
}

func (b *Builtins) Load(ctx context.Context, progHandle handle.Handle, program []byte) (Guest, error) {
	name := strings.TrimPrefix(string(program), BuiltinPrefix)
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.guests[name]
	if !ok {
		return nil, trapf("no builtin guest %q", name)
	}
	return g, nil
}

// identityGuest designates its first argument as the output, the shortest
// useful host-call sequence: resolve encode entry 1, designate it.
func identityGuest(ctx context.Context, p *Process) error {
	if err := p.GetTreeEntry(0, 1, 1); err != nil {
		return err
	}
	return p.DesignateOutput(1)
}

// addblobGuest sums two 4-byte little-endian integer Blobs and freezes the
// 4-byte result.
func addblobGuest(ctx context.Context, p *Process) error {
	if err := p.GetTreeEntry(0, 1, 1); err != nil {
		return err
	}
	if err := p.GetTreeEntry(0, 2, 2); err != nil {
		return err
	}
	if err := p.AttachBlob(1, 0); err != nil {
		return err
	}
	if err := p.AttachBlob(2, 1); err != nil {
		return err
	}
	a, err := p.ROData(0)
	if err != nil {
		return err
	}
	b, err := p.ROData(1)
	if err != nil {
		return err
	}
	if len(a) < 4 || len(b) < 4 {
		return trapf("addblob arguments of %d and %d bytes", len(a), len(b))
	}
	sum := binary.LittleEndian.Uint32(a) + binary.LittleEndian.Uint32(b)
	rw, err := p.RWData(0)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rw, sum)
	if err := p.FreezeBlob(0, 4, 3); err != nil {
		return err
	}
	return p.DesignateOutput(3)
}
