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
	"encoding/binary"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/storage"
)

// MakeEncode builds the encode of an application, the Tree
// [program, arg0, arg1, ...], and returns the Thunk that applies it.
func MakeEncode(s *storage.Store, program handle.Handle, args ...handle.Handle) (handle.Handle, error) {
	entries := make([]handle.Handle, 0, 1+len(args))
	entries = append(entries, program)
	entries = append(entries, args...)
	tree, err := s.PutTree(entries)
	if err != nil {
		return handle.Handle{}, err
	}
	return s.PutThunk(tree)
}

// A ProgramHeader is the metadata persisted alongside a program module:
// its symbolic name and how many inputs and outputs it takes. The header is
// informational; the authoritative argument list is the encode Tree.
type ProgramHeader struct {
	Name    string
	Inputs  int
	Outputs int
}

// programMagic begins every wrapped program Blob.
const programMagic = "fixprog\x00"

// WrapProgram prepends a serialized ProgramHeader to module bytes:
// the magic, the name length and name, and the input and output counts,
// all counts little endian.
func WrapProgram(h ProgramHeader, module []byte) []byte {
	buf := make([]byte, 0, len(programMagic)+4+len(h.Name)+8+len(module))
	buf = append(buf, programMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Name)))
	buf = append(buf, h.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Inputs))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Outputs))
	buf = append(buf, module...)
	return buf
}

// ParseProgram splits a wrapped program Blob into its header and module
// bytes. Unwrapped bytes are returned as a module with a zero header, so
// callers can accept both forms.
func ParseProgram(b []byte) (ProgramHeader, []byte, error) {
	if len(b) < len(programMagic) || string(b[:len(programMagic)]) != programMagic {
		return ProgramHeader{}, b, nil
	}
	rest := b[len(programMagic):]
	if len(rest) < 4 {
		return ProgramHeader{}, nil, errors.New("truncated program header")
	}
	nameLen := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) < nameLen+8 {
		return ProgramHeader{}, nil, errors.New("truncated program header")
	}
	h := ProgramHeader{Name: string(rest[:nameLen])}
	rest = rest[nameLen:]
	h.Inputs = int(binary.LittleEndian.Uint32(rest))
	h.Outputs = int(binary.LittleEndian.Uint32(rest[4:]))
	return h, rest[8:], nil
}
