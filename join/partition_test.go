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
	"errors"
	"testing"
)

func TestPartitionInsertAndRecordAt(t *testing.T) {
	p := newPartition(0, newFakeSegment(256))
	ptrs := make([]uint64, 0)
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, pl := range payloads {
		ptr, err := p.insert(context.Background(), Pair{Payload: pl}, nil)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, ptr)
	}
	for i, ptr := range ptrs {
		got := p.recordAt(ptr)
		if string(got) != string(payloads[i]) {
			t.Fatalf("recordAt(%d) = %q, want %q", i, got, payloads[i])
		}
	}
	if p.recordCounter != len(payloads) {
		t.Fatalf("recordCounter = %d, want %d", p.recordCounter, len(payloads))
	}
}

func TestPartitionBufferFullSignal(t *testing.T) {
	p := newPartition(0, newFakeSegment(16))
	_, err := p.insert(context.Background(), Pair{Payload: []byte("0123456789ab")}, nil)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = p.insert(context.Background(), Pair{Payload: []byte("more data")}, nil)
	if !isBufferFull(err) {
		t.Fatalf("expected bufferFull, got %v", err)
	}
}

func TestPartitionNoAliasingPointers(t *testing.T) {
	p := newPartition(0, newFakeSegment(4096))
	ctx := context.Background()
	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		ptr, err := p.insert(ctx, Pair{Payload: []byte{byte(i), byte(i + 1)}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[ptr] {
			t.Fatalf("duplicate pointer %x at iteration %d", ptr, i)
		}
		seen[ptr] = true
	}
}

func TestPartitionSpillRequiresTwoBuffers(t *testing.T) {
	p := newPartition(0, newFakeSegment(64))
	mm := newFakeMemoryManager(4, 64)
	pool := newSegmentPool(mm.Take(), 1)
	io := newFakeIOManager()

	if _, err := p.spill(context.Background(), io, pool); err == nil {
		t.Fatal("expected spill to fail with blockCounter == 1")
	}
}

func TestPartitionSpillStreamsBuffersAndPreservesOrder(t *testing.T) {
	mm := newFakeMemoryManager(8, 64)
	segs := mm.Take()
	p := newPartition(0, segs[0])
	ctx := context.Background()

	// fill the first buffer, add a second, fill that too, so
	// blockCounter == 2 and spill has something to stream.
	for {
		_, err := p.insert(ctx, Pair{Payload: []byte("0123456789")}, nil)
		if isBufferFull(err) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := p.addBuffer(segs[1]); err != nil {
		t.Fatal(err)
	}
	if _, err := p.insert(ctx, Pair{Payload: []byte("marker-record")}, nil); err != nil {
		t.Fatal(err)
	}

	pool := newSegmentPool(segs[2:], 1)
	io := newFakeIOManager()

	freed, err := p.spill(ctx, io, pool)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 1 {
		t.Fatalf("freed = %d, want 1 (blockCounter(2) - 1)", freed)
	}
	if p.state != partSpilled {
		t.Fatal("partition did not transition to spilled")
	}

	written := io.written["chan-1"]
	if len(written) != 2 {
		t.Fatalf("spill writer received %d segments, want 2", len(written))
	}
	if got := string(written[1][4 : 4+len("marker-record")]); got != "marker-record" {
		t.Fatalf("second spilled segment starts with %q, want the marker record (buffers streamed out of order)", got)
	}

	// a post-spill insert lands in the new tail; record pointers are
	// only meaningful for in-memory partitions, so this just checks
	// the write itself succeeds and the tail holds the bytes.
	preCount := p.recordCounter
	if _, err := p.insert(ctx, Pair{Payload: []byte("after-spill")}, nil); err != nil {
		t.Fatal(err)
	}
	if p.recordCounter != preCount+1 {
		t.Fatal("recordCounter must keep accumulating across the spill transition")
	}
	if string(p.tail.read(0)) != "after-spill" {
		t.Fatalf("spill tail contents = %q", p.tail.read(0))
	}
}

func TestPartitionSpillTwiceIsStructuralError(t *testing.T) {
	mm := newFakeMemoryManager(8, 64)
	segs := mm.Take()
	p := newPartition(0, segs[0])
	ctx := context.Background()
	if err := p.addBuffer(segs[1]); err != nil {
		t.Fatal(err)
	}
	pool := newSegmentPool(segs[2:], 1)
	io := newFakeIOManager()
	if _, err := p.spill(ctx, io, pool); err != nil {
		t.Fatal(err)
	}
	_, err := p.spill(ctx, io, pool)
	var se *StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("expected spilling an already-spilled partition to fail with a StructuralError, got %v", err)
	}
}
