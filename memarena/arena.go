// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package memarena is a reference join.MemoryManager backed by one
// mmap'd region sliced into fixed-size segments. It exists so the
// join package can be exercised end to end without a caller having
// to bring its own memory manager.
package memarena

import (
	"fmt"
	"sync"

	"github.com/coredbx/hhjoin/join"
)

// Arena owns one mmap'd region of size*count bytes and hands it out
// as count fixed-size segments. It implements join.MemoryManager.
type Arena struct {
	region []byte
	size   int
	count  int

	mu     sync.Mutex
	out    []*segment
	closed bool
}

// New reserves and commits size*count bytes of anonymous memory and
// slices it into count segments of size bytes each. size must be a
// power of two; count must be positive.
func New(size, count int) (*Arena, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("memarena: segment size %d is not a positive power of two", size)
	}
	if count <= 0 {
		return nil, fmt.Errorf("memarena: segment count %d must be positive", count)
	}
	region, err := mapRegion(size * count)
	if err != nil {
		return nil, fmt.Errorf("memarena: %w", err)
	}
	a := &Arena{region: region, size: size, count: count}
	a.out = make([]*segment, count)
	for i := 0; i < count; i++ {
		a.out[i] = &segment{buf: region[i*size : (i+1)*size : (i+1)*size], arena: a}
	}
	return a, nil
}

// Take returns every segment in the arena as join.Segment values. It
// may only be called once; a second call returns nil, since
// ownership of the segments has already passed to the first caller.
func (a *Arena) Take() []join.Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	segs := make([]join.Segment, len(a.out))
	for i, s := range a.out {
		segs[i] = s
	}
	a.out = nil
	return segs
}

// Return gives back one segment previously handed out by Take. It
// hints to the OS that the segment's pages are no longer needed; it
// does not unmap anything, since the region is unmapped as a whole
// by Close.
func (a *Arena) Return(s join.Segment) {
	seg, ok := s.(*segment)
	if !ok || seg.arena != a {
		panic("memarena: Return of a segment not owned by this arena")
	}
	hintUnused(seg.buf)
}

// Close unmaps the arena's backing region. The Arena must not be used
// afterward.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return unmapRegion(a.region)
}

// segment is one size-byte slice of an Arena's backing region.
type segment struct {
	buf   []byte
	arena *Arena
}

func (s *segment) Bytes() []byte { return s.buf }
