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
	"encoding/binary"
)

type partitionState uint8

const (
	partInMemory partitionState = iota
	partSpilled
)

// errBufferFull is returned by partition.insert when the active buffer
// has no room for the record; it is the only expected negative
// signal in the build loop (spec.md section 7).
var errBufferFull = structErrorf(nil, "buffer full")

// isBufferFull reports whether err is the errBufferFull sentinel.
func isBufferFull(err error) bool { return err == errBufferFull }

// cursor is a length-prefixed write cursor over one owned segment.
type cursor struct {
	seg Segment
	pos int
}

// write appends a length-delimited record to the cursor. ok is false
// if the segment has no room for a 4-byte length prefix plus payload.
func (c *cursor) write(payload []byte) (start int, ok bool) {
	buf := c.seg.Bytes()
	need := 4 + len(payload)
	if c.pos+need > len(buf) {
		return 0, false
	}
	start = c.pos
	binary.LittleEndian.PutUint32(buf[start:], uint32(len(payload)))
	copy(buf[start+4:], payload)
	c.pos += need
	return start, true
}

// read returns the record starting at byte offset off.
func (c *cursor) read(off int) []byte {
	buf := c.seg.Bytes()
	n := binary.LittleEndian.Uint32(buf[off:])
	return buf[off+4 : off+4+int(n)]
}

// partition owns the record buffers for one logical shard of the
// build side. It transitions in-memory -> spilled at most once.
type partition struct {
	index int
	state partitionState

	// in-memory state
	buffers       []*cursor
	recordCounter int
	blockCounter  int

	// spilled state
	tail      *cursor
	writer    ChannelWriter
	channelID string
}

func newPartition(index int, first Segment) *partition {
	return &partition{
		index:        index,
		state:        partInMemory,
		buffers:      []*cursor{{seg: first}},
		blockCounter: 1,
	}
}

// pointer packs a buffer index and byte offset into the 64-bit record
// pointer format from spec.md section 3.
func pointer(bufIdx, offset int) uint64 {
	return (uint64(uint32(bufIdx)) << 32) | uint64(uint32(offset))
}

// insert writes rec into the partition, returning its record pointer.
// If the partition is in memory and the tail buffer has no room, it
// returns errBufferFull so the driver can acquire a new segment (or
// spill) and retry. If the partition is already spilled, a full tail
// buffer is rotated internally: the full buffer is handed to the
// spill writer and a fresh write-behind segment takes its place.
func (p *partition) insert(ctx context.Context, rec Pair, pool *segmentPool) (uint64, error) {
	switch p.state {
	case partInMemory:
		tail := p.buffers[len(p.buffers)-1]
		start, ok := tail.write(rec.Payload)
		if !ok {
			return 0, errBufferFull
		}
		p.recordCounter++
		return pointer(len(p.buffers)-1, start), nil
	case partSpilled:
		if start, ok := p.tail.write(rec.Payload); ok {
			p.recordCounter++
			return pointer(0, start), nil
		}
		if err := p.rotateTail(ctx, pool); err != nil {
			return 0, err
		}
		if start, ok := p.tail.write(rec.Payload); ok {
			p.recordCounter++
			return pointer(0, start), nil
		}
		return 0, ioErrorf(nil, "record of %d bytes exceeds segment size", len(rec.Payload))
	default:
		return 0, structErrorf(nil, "partition in unknown state")
	}
}

// rotateTail sends the full tail buffer to the spill writer and
// installs its replacement: the same segment, reclaimed directly off
// the write-behind queue once the writer returns it. This is a 1-for-1
// swap, not a draw against segments owed to the rest of the pool, so
// it bypasses acquire/acquireCtx and blocks on the queue itself.
func (p *partition) rotateTail(ctx context.Context, pool *segmentPool) error {
	if err := p.writer.WriteSegment(p.tail.seg); err != nil {
		return ioErrorf(err, "spilling partition %d buffer", p.index)
	}
	seg, err := pool.takeReclaimed(ctx)
	if err != nil {
		return err
	}
	p.tail = &cursor{seg: seg}
	return nil
}

// addBuffer appends a fresh segment to the partition's in-memory
// buffer list. Legal only while in memory.
func (p *partition) addBuffer(seg Segment) error {
	if p.state != partInMemory {
		return structErrorf(map[string]any{"partition": p.index}, "addBuffer on spilled partition")
	}
	p.buffers = append(p.buffers, &cursor{seg: seg})
	p.blockCounter++
	return nil
}

// recordAt dereferences ptr through the partition's buffer list,
// returning the payload bytes previously written there. Valid only
// while the partition is in memory.
func (p *partition) recordAt(ptr uint64) []byte {
	bufIdx := int(uint32(ptr >> 32))
	off := int(uint32(ptr))
	return p.buffers[bufIdx].read(off)
}

// spill streams every owned buffer to a new channel writer and
// installs one fresh write-behind segment as the new spill tail.
// Precondition: in memory with blockCounter >= 2. Returns the number
// of segments the pool may count as newly liberated (blockCounter-1;
// the segment retained as the new tail is not liberated).
func (p *partition) spill(ctx context.Context, io IOManager, pool *segmentPool) (int, error) {
	if p.state != partInMemory {
		return 0, structErrorf(map[string]any{"partition": p.index}, "spill of already-spilled partition")
	}
	if p.blockCounter < 2 {
		return 0, structErrorf(map[string]any{"partition": p.index, "blockCounter": p.blockCounter},
			"spill requires at least 2 buffers")
	}
	id, err := io.NewChannel(ctx)
	if err != nil {
		return 0, ioErrorf(err, "allocating spill channel for partition %d", p.index)
	}
	// Record the channel as soon as it exists so Close can still delete
	// it if anything below fails midway through the spill.
	p.channelID = id
	writer, err := io.NewWriter(ctx, id, pool.writeBehind)
	if err != nil {
		return 0, ioErrorf(err, "opening spill writer for partition %d", p.index)
	}
	p.writer = writer
	for _, c := range p.buffers {
		if err := writer.WriteSegment(c.seg); err != nil {
			return 0, ioErrorf(err, "spilling partition %d", p.index)
		}
	}
	freed := p.blockCounter - 1
	p.buffers = nil

	// The buffers just streamed above are the only segments this
	// writer has ever been handed, so one of them coming back off the
	// write-behind queue is guaranteed (barring a write error already
	// caught above): claim that one directly as the new tail, a 1-for-1
	// swap. The driver credits the remaining freed-1 to the pool's
	// owed count once spill returns, for other partitions to draw on.
	tailSeg, err := pool.takeReclaimed(ctx)
	if err != nil {
		return 0, err
	}

	p.state = partSpilled
	p.tail = &cursor{seg: tailSeg}
	p.blockCounter = 0
	return freed, nil
}

func (p *partition) close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
