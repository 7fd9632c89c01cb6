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

package join

import (
	"context"
	"fmt"
	"sync"
)

// fakeSegment is a plain in-process Segment for tests: no mmap, no
// platform dependency.
type fakeSegment struct {
	buf []byte
}

func newFakeSegment(size int) *fakeSegment { return &fakeSegment{buf: make([]byte, size)} }

func (s *fakeSegment) Bytes() []byte { return s.buf }

// fakeMemoryManager hands out n segments of size bytes and tracks
// every Return call, so tests can assert segment conservation.
type fakeMemoryManager struct {
	mu       sync.Mutex
	size     int
	taken    []Segment
	returned map[Segment]bool
}

func newFakeMemoryManager(n, size int) *fakeMemoryManager {
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = newFakeSegment(size)
	}
	return &fakeMemoryManager{size: size, taken: segs, returned: make(map[Segment]bool)}
}

func (m *fakeMemoryManager) Take() []Segment {
	out := make([]Segment, len(m.taken))
	copy(out, m.taken)
	return out
}

func (m *fakeMemoryManager) Return(s Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returned[s] = true
}

func (m *fakeMemoryManager) allReturned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.returned) == len(m.taken)
}

// fakeWriter records every segment it is handed, in order, and echoes
// it back to retQueue immediately -- synchronous, unlike spillio, so
// tests don't need to race a background goroutine.
type fakeWriter struct {
	id       string
	mgr      *fakeIOManager
	retQueue chan<- Segment
	closed   bool
}

// WriteSegment records seg synchronously (so write order is
// deterministic for tests asserting on it) but returns seg to
// retQueue from a separate goroutine, matching the asynchronous
// write-behind contract real I/O managers implement: the driver must
// never block here even if retQueue's buffer is momentarily full.
func (w *fakeWriter) WriteSegment(seg Segment) error {
	if w.closed {
		return fmt.Errorf("write after close")
	}
	buf := append([]byte(nil), seg.Bytes()...)
	w.mgr.mu.Lock()
	w.mgr.written[w.id] = append(w.mgr.written[w.id], buf)
	w.mgr.mu.Unlock()
	go func() { w.retQueue <- seg }()
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeIOManager is an in-memory join.IOManager: every "channel" is
// just a slice of segment-sized byte copies, recorded in write order.
type fakeIOManager struct {
	mu      sync.Mutex
	nextID  int
	written map[string][][]byte
	deleted map[string]bool
}

func newFakeIOManager() *fakeIOManager {
	return &fakeIOManager{written: make(map[string][][]byte), deleted: make(map[string]bool)}
}

func (m *fakeIOManager) NewChannel(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("chan-%d", m.nextID)
	m.written[id] = nil
	return id, nil
}

func (m *fakeIOManager) NewWriter(ctx context.Context, id string, retQueue chan<- Segment) (ChannelWriter, error) {
	return &fakeWriter{id: id, mgr: m, retQueue: retQueue}, nil
}

func (m *fakeIOManager) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[id] = true
	delete(m.written, id)
	return nil
}

// failingWriter raises after writing n segments, simulating an I/O
// manager whose writer dies mid-spill (spec scenario 3).
type failingWriter struct {
	inner   ChannelWriter
	remain  int
	failErr error
}

func (w *failingWriter) WriteSegment(seg Segment) error {
	if w.remain <= 0 {
		return w.failErr
	}
	w.remain--
	return w.inner.WriteSegment(seg)
}

func (w *failingWriter) Close() error { return w.inner.Close() }

type failAfterNIOManager struct {
	*fakeIOManager
	n       int
	failErr error
}

func (m *failAfterNIOManager) NewWriter(ctx context.Context, id string, retQueue chan<- Segment) (ChannelWriter, error) {
	inner, err := m.fakeIOManager.NewWriter(ctx, id, retQueue)
	if err != nil {
		return nil, err
	}
	return &failingWriter{inner: inner, remain: m.n, failErr: m.failErr}, nil
}

// simpleSource is a join.Source over an in-memory slice of Pairs.
type simpleSource struct {
	pairs []Pair
	pos   int
}

func (s *simpleSource) Next() (Pair, bool, error) {
	if s.pos >= len(s.pairs) {
		return Pair{}, false, nil
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, true, nil
}

func keyPayload(key uint32) []byte {
	return []byte(fmt.Sprintf("payload-for-key-%d", key))
}

func pairsFromKeys(keys []uint32) []Pair {
	out := make([]Pair, len(keys))
	for i, k := range keys {
		out[i] = Pair{KeyHash: k, Payload: keyPayload(k)}
	}
	return out
}
