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

// Package storage implements the content-addressed object store.
//
// The store maps Handles to object bodies: raw bytes for Blobs, Handle
// sequences for Trees, and the wrapped Tree for Thunks and Tags. Insertion
// computes the content Handle from the canonical encoding, so putting the
// same object twice yields the same Handle and grows the store by at most
// one entry. Objects are never mutated in place; during a Task's execution
// the store is append only.
//
// Literal Handles resolve without a store entry: their payload is read out
// of the Handle itself.
package storage

import (
	"encoding/binary"
	"sync"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
)

// A Store holds object bodies keyed by Handle. Bodies live in logically
// separate submaps per kind; a lookup consults the submap selected by the
// Handle's kind tag. The zero Store is not usable; use NewStore.
type Store struct {
	mu     sync.RWMutex
	blobs  map[handle.Handle][]byte
	trees  map[handle.Handle][]handle.Handle
	thunks map[handle.Handle]handle.Handle
	tags   map[handle.Handle]handle.Handle
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		blobs:  make(map[handle.Handle][]byte),
		trees:  make(map[handle.Handle][]handle.Handle),
		thunks: make(map[handle.Handle]handle.Handle),
		tags:   make(map[handle.Handle]handle.Handle),
	}
}

// EncodeTree produces the canonical byte encoding of a Tree: the entry
// count as a little-endian 64-bit value, followed by the 32-byte entries in
// order. The encoding is byte-exact across implementations; digests are
// computed over it.
func EncodeTree(entries []handle.Handle) []byte {
	buf := make([]byte, 8+handle.Size*len(entries))
	binary.LittleEndian.PutUint64(buf, uint64(len(entries)))
	for i, e := range entries {
		copy(buf[8+i*handle.Size:], e[:])
	}
	return buf
}

// PutBlob inserts an immutable byte sequence and returns its Handle.
// Insertion is idempotent by content. The data is copied; callers may reuse
// the slice.
func (s *Store) PutBlob(data []byte) handle.Handle {
	h := handle.New(handle.Blob, data, uint64(len(data)))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[h]; !ok {
		body := make([]byte, len(data))
		copy(body, data)
		s.blobs[h] = body
	}
	return h
}

// PutU32Blob inserts a 4-byte little-endian scalar Blob.
func (s *Store) PutU32Blob(v uint32) handle.Handle {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.PutBlob(buf[:])
}

// PutU64Blob inserts an 8-byte little-endian scalar Blob.
func (s *Store) PutU64Blob(v uint64) handle.Handle {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.PutBlob(buf[:])
}

// PutTree inserts an ordered sequence of Handles and returns the Tree's
// Handle. Every entry must already resolve within the store (or be a
// Literal); a Tree is never finalized with dangling references.
func (s *Store) PutTree(entries []handle.Handle) (handle.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if !s.containsLocked(e) {
			return handle.Handle{}, &errors.UnknownName{Name: e}
		}
	}
	h := handle.New(handle.Tree, EncodeTree(entries), uint64(len(entries)))
	if _, ok := s.trees[h]; !ok {
		body := make([]handle.Handle, len(entries))
		copy(body, entries)
		s.trees[h] = body
	}
	return h, nil
}

// PutThunk inserts the Thunk that applies the given Tree. The Thunk's
// identity is the Tree's, re-tagged.
func (s *Store) PutThunk(tree handle.Handle) (handle.Handle, error) {
	if tree.Kind() != handle.Tree {
		return handle.Handle{}, errors.Newf("thunk of %v handle %v", tree.Kind(), tree)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[tree]; !ok {
		return handle.Handle{}, &errors.UnknownName{Name: tree}
	}
	h := handle.ThunkOf(tree)
	s.thunks[h] = tree
	return h, nil
}

// PutTag inserts a Tag over the given Tree. A Tag asserts a property about
// another Name's reduction; it is not itself reducible.
func (s *Store) PutTag(tree handle.Handle) (handle.Handle, error) {
	if tree.Kind() != handle.Tree {
		return handle.Handle{}, errors.Newf("tag of %v handle %v", tree.Kind(), tree)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[tree]; !ok {
		return handle.Handle{}, &errors.UnknownName{Name: tree}
	}
	h := handle.TagOf(tree)
	s.tags[h] = tree
	return h, nil
}

// GetBlob returns the bytes h names. Literal Handles resolve from the
// Handle itself without a store lookup. The returned slice must not be
// modified.
func (s *Store) GetBlob(h handle.Handle) ([]byte, error) {
	if h.IsLiteral() {
		return h.LiteralPayload(), nil
	}
	if h.Kind() != handle.Blob {
		return nil, errors.Newf("get blob of %v handle %v", h.Kind(), h)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.blobs[h]
	if !ok {
		return nil, &errors.UnknownName{Name: h}
	}
	return body, nil
}

// GetTree returns the entries of the Tree h names. The returned slice must
// not be modified.
func (s *Store) GetTree(h handle.Handle) ([]handle.Handle, error) {
	if h.Kind() != handle.Tree {
		return nil, errors.Newf("get tree of %v handle %v", h.Kind(), h)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.trees[h]
	if !ok {
		return nil, &errors.UnknownName{Name: h}
	}
	return body, nil
}

// GetThunk returns the Handle of the Tree a Thunk wraps.
func (s *Store) GetThunk(h handle.Handle) (handle.Handle, error) {
	if h.Kind() != handle.Thunk {
		return handle.Handle{}, errors.Newf("get thunk of %v handle %v", h.Kind(), h)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.thunks[h]
	if !ok {
		return handle.Handle{}, &errors.UnknownName{Name: h}
	}
	return tree, nil
}

// GetTag returns the Handle of the Tree a Tag wraps.
func (s *Store) GetTag(h handle.Handle) (handle.Handle, error) {
	if h.Kind() != handle.Tag {
		return handle.Handle{}, errors.Newf("get tag of %v handle %v", h.Kind(), h)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.tags[h]
	if !ok {
		return handle.Handle{}, &errors.UnknownName{Name: h}
	}
	return tree, nil
}

// Contains reports whether h resolves: either as a Literal or against the
// submap selected by its kind.
func (s *Store) Contains(h handle.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(h)
}

func (s *Store) containsLocked(h handle.Handle) bool {
	switch h.Kind() {
	case handle.Literal:
		return true
	case handle.Blob:
		_, ok := s.blobs[h]
		return ok
	case handle.Tree:
		_, ok := s.trees[h]
		return ok
	case handle.Thunk:
		_, ok := s.thunks[h]
		return ok
	case handle.Tag:
		_, ok := s.tags[h]
		return ok
	}
	return false
}

// Canonical returns the canonical byte encoding of the object h names:
// raw bytes for Blobs and Literals, the encoded entry sequence for Trees,
// and the wrapped Tree's Name for Thunks and Tags.
func (s *Store) Canonical(h handle.Handle) ([]byte, error) {
	switch h.Kind() {
	case handle.Literal:
		return h.LiteralPayload(), nil
	case handle.Blob:
		return s.GetBlob(h)
	case handle.Tree:
		entries, err := s.GetTree(h)
		if err != nil {
			return nil, err
		}
		return EncodeTree(entries), nil
	case handle.Thunk:
		tree, err := s.GetThunk(h)
		if err != nil {
			return nil, err
		}
		return tree[:], nil
	case handle.Tag:
		tree, err := s.GetTag(h)
		if err != nil {
			return nil, err
		}
		return tree[:], nil
	}
	return nil, errors.Newf("canonical of invalid handle %v", h)
}

// Len reports how many objects the store holds across all submaps.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs) + len(s.trees) + len(s.thunks) + len(s.tags)
}
