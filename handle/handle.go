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

// Package handle defines the Name discipline of the runtime: a fixed-width
// content identifier that names every object the system ever computes with.
//
// A Handle is 32 bytes. For content-addressed objects the leading bytes hold
// a prefix of the canonical digest of the object's canonical encoding, so
// equality of two such Handles implies equality of content. Small scalars
// can instead be inlined into the Handle itself as a Literal, which needs no
// store entry at all. The trailing byte carries the object kind and the
// literal flag; the bytes before it carry the object size, which lets a
// store pre-size buffers before fetching.
//
// Handles are plain comparable values: they are freely copyable, usable as
// map keys, and compare by full bit equality.
package handle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Layout of the 32 bytes of a Handle.
//
//	bytes 0..23   digest prefix, or inline literal payload
//	bytes 24..30  object size, little endian (payload length for literals)
//	byte  31      metadata: bits 0..2 kind, bit 3 literal flag
const (
	// Size is the width of a Handle in bytes.
	Size = 32

	// MaxLiteral is the widest payload that can be inlined into a Handle.
	MaxLiteral = 24

	prefixLen  = 24
	sizeOff    = 24
	sizeLen    = 7
	metaOff    = 31
	kindMask   = 0x07
	literalBit = 0x08
)

// A Kind describes what a Handle names.
type Kind uint8

const (
	// Blob names an immutable byte sequence.
	Blob Kind = iota
	// Tree names an ordered sequence of Handles.
	Tree
	// Thunk names a deferred application of a Tree's first entry to the rest.
	Thunk
	// Tag names an assertion about another Handle's reduction.
	Tag
	// Literal names a Blob whose payload is inlined in the Handle itself.
	Literal
)

func (k Kind) String() string {
	switch k {
	case Blob:
		return "blob"
	case Tree:
		return "tree"
	case Thunk:
		return "thunk"
	case Tag:
		return "tag"
	case Literal:
		return "literal"
	default:
		return "invalid"
	}
}

// A Handle is a 256-bit content identifier. The zero Handle is a canonical
// Blob name with an all-zero digest; it is never produced by hashing and can
// be used as a sentinel.
type Handle [Size]byte

// New computes the content-addressed Handle of an object from its canonical
// byte encoding. The digest algorithm is the frozen canonical choice
// (sha256); its leading 24 bytes become the Handle's identity. size is the
// object's size metadata: byte length for Blobs, entry count for Trees.
func New(kind Kind, canonical []byte, size uint64) Handle {
	if kind == Literal {
		panic("handle: New called with Literal kind")
	}
	d := digest.FromBytes(canonical)
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		panic(fmt.Sprintf("handle: undecodable digest %q", d))
	}
	var h Handle
	copy(h[:prefixLen], raw)
	h.setSize(size)
	h[metaOff] = byte(kind) & kindMask
	return h
}

// MakeLiteral inlines payload into a Handle, avoiding a store entry.
// Payloads wider than MaxLiteral do not fit; callers should store a Blob
// instead.
func MakeLiteral(payload []byte) (Handle, error) {
	if len(payload) > MaxLiteral {
		return Handle{}, fmt.Errorf("handle: literal payload of %d bytes exceeds %d", len(payload), MaxLiteral)
	}
	var h Handle
	copy(h[:prefixLen], payload)
	h.setSize(uint64(len(payload)))
	h[metaOff] = byte(Blob)&kindMask | literalBit
	return h, nil
}

// LiteralU32 inlines a little-endian 32-bit scalar.
func LiteralU32(v uint32) Handle {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	h, _ := MakeLiteral(buf[:])
	return h
}

// LiteralU64 inlines a little-endian 64-bit scalar.
func LiteralU64(v uint64) Handle {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h, _ := MakeLiteral(buf[:])
	return h
}

// ThunkOf re-tags a Tree Handle as the Thunk that applies it. The content
// identity of the Thunk is that of the Tree it wraps.
func ThunkOf(tree Handle) Handle {
	if tree.Kind() != Tree {
		panic(fmt.Sprintf("handle: ThunkOf of %v handle", tree.Kind()))
	}
	t := tree
	t[metaOff] = byte(Thunk) & kindMask
	return t
}

// TreeOf undoes ThunkOf, recovering the Handle of the Tree a Thunk wraps.
func TreeOf(thunk Handle) Handle {
	if thunk.Kind() != Thunk {
		panic(fmt.Sprintf("handle: TreeOf of %v handle", thunk.Kind()))
	}
	t := thunk
	t[metaOff] = byte(Tree) & kindMask
	return t
}

// TagOf re-tags a Tree Handle as a Tag over its contents.
func TagOf(tree Handle) Handle {
	if tree.Kind() != Tree {
		panic(fmt.Sprintf("handle: TagOf of %v handle", tree.Kind()))
	}
	t := tree
	t[metaOff] = byte(Tag) & kindMask
	return t
}

// Kind reports what h names. Inlined Blobs report Literal.
func (h Handle) Kind() Kind {
	if h[metaOff]&literalBit != 0 {
		return Literal
	}
	return Kind(h[metaOff] & kindMask)
}

// IsLiteral reports whether h carries its payload inline.
func (h Handle) IsLiteral() bool {
	return h[metaOff]&literalBit != 0
}

// Size returns the size metadata: byte length for Blobs and Literals,
// entry count for Trees and the Trees wrapped by Thunks and Tags.
func (h Handle) Size() uint64 {
	var buf [8]byte
	copy(buf[:sizeLen], h[sizeOff:sizeOff+sizeLen])
	return binary.LittleEndian.Uint64(buf[:])
}

func (h *Handle) setSize(size uint64) {
	if size >= 1<<(8*sizeLen) {
		panic(fmt.Sprintf("handle: size %d overflows size field", size))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	copy(h[sizeOff:sizeOff+sizeLen], buf[:sizeLen])
}

// LiteralPayload returns the inlined bytes of a Literal Handle.
// It panics if h is not a Literal.
func (h Handle) LiteralPayload() []byte {
	if !h.IsLiteral() {
		panic("handle: LiteralPayload of non-literal handle")
	}
	n := h.Size()
	p := make([]byte, n)
	copy(p, h[:n])
	return p
}

// DigestPrefix returns the 24-byte digest prefix that identifies a
// content-addressed Handle. It panics for Literals, whose leading bytes are
// payload, not digest.
func (h Handle) DigestPrefix() []byte {
	if h.IsLiteral() {
		panic("handle: DigestPrefix of literal handle")
	}
	p := make([]byte, prefixLen)
	copy(p, h[:prefixLen])
	return p
}

// String renders a short, log-friendly form such as "blob:89d3f1a204c171d2/5".
// The full identity is the 32 bytes; String is for humans.
func (h Handle) String() string {
	return fmt.Sprintf("%v:%x/%d", h.Kind(), h[:8], h.Size())
}

// CanonicalDigest computes the full canonical digest of an encoding. This is
// what content-addressed Handles are derived from, and what external tools
// print; the Handle itself keeps only the leading 24 bytes.
func CanonicalDigest(canonical []byte) digest.Digest {
	return digest.FromBytes(canonical)
}
