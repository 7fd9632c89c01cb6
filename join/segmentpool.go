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

import "context"

// segmentPool tracks free segments for one Join instance. It bridges
// the synchronous demand of the driver with the asynchronous
// write-behind return path of the I/O manager.
//
// available and owed are only ever touched from the driver's single
// logical thread; writeBehind is the one structure shared with the
// I/O manager's writer goroutines, and its synchronization comes
// entirely from being a Go channel.
type segmentPool struct {
	available []Segment
	// writeBehind is the blocking FIFO queue ChannelWriters push
	// completed segments into.
	writeBehind chan Segment
	// owed is writeBehindBuffersAvailable: segments the join has
	// already freed via spilling but whose disk writes haven't
	// drained back to available yet.
	owed int
}

func newSegmentPool(segs []Segment, writeBehindDepth int) *segmentPool {
	if writeBehindDepth < 1 {
		writeBehindDepth = 1
	}
	p := &segmentPool{
		available:   append([]Segment(nil), segs...),
		writeBehind: make(chan Segment, writeBehindDepth),
	}
	return p
}

// acquire implements segment pool spec.md section 4.1: pop from the
// available list if nonempty; otherwise, if segments are owed,
// block-take one from the write-behind queue and opportunistically
// drain any further ones already sitting in the channel; otherwise
// report that no segment is available.
func (p *segmentPool) acquire() (Segment, bool) {
	if n := len(p.available); n > 0 {
		seg := p.available[n-1]
		p.available = p.available[:n-1]
		return seg, true
	}
	if p.owed <= 0 {
		return nil, false
	}
	seg, ok := <-p.writeBehind
	if !ok {
		return nil, false
	}
	p.owed--
	p.drainNonBlocking()
	return seg, true
}

// acquireCtx behaves like acquire but allows the blocking take in
// step 2 to be interrupted via ctx, surfacing the interruption as an
// IOError per spec.md section 5 (Cancellation).
func (p *segmentPool) acquireCtx(ctx context.Context) (Segment, error) {
	if n := len(p.available); n > 0 {
		seg := p.available[n-1]
		p.available = p.available[:n-1]
		return seg, nil
	}
	if p.owed <= 0 {
		return nil, nil
	}
	select {
	case seg, ok := <-p.writeBehind:
		if !ok {
			return nil, ioErrorf(nil, "write-behind queue closed while a segment was owed")
		}
		p.owed--
		p.drainNonBlocking()
		return seg, nil
	case <-ctx.Done():
		return nil, ioErrorf(ctx.Err(), "interrupted waiting for a write-behind segment")
	}
}

// drainNonBlocking opportunistically moves any segments already
// sitting in the write-behind queue into the available list, without
// blocking, decrementing owed for each one taken.
func (p *segmentPool) drainNonBlocking() {
	for p.owed > 0 {
		select {
		case seg, ok := <-p.writeBehind:
			if !ok {
				return
			}
			p.available = append(p.available, seg)
			p.owed--
		default:
			return
		}
	}
}

// takeReclaimed blocks until a segment arrives on the write-behind
// queue, bypassing available and owed entirely. A spill (or a spilled
// partition's tail rotation) calls this immediately after handing the
// writer the very segment(s) it expects back: that is a 1-for-1 swap
// for the partition's own replacement tail, not a claim against
// segments freed for some other partition to acquire, so it must not
// touch owed the way acquire/acquireCtx do.
func (p *segmentPool) takeReclaimed(ctx context.Context) (Segment, error) {
	select {
	case seg, ok := <-p.writeBehind:
		if !ok {
			return nil, ioErrorf(nil, "write-behind queue closed while awaiting a reclaimed segment")
		}
		return seg, nil
	case <-ctx.Done():
		return nil, ioErrorf(ctx.Err(), "interrupted waiting for a reclaimed segment")
	}
}

// reclaimFromSpill is called after a spill frees n segments: it
// credits the pool with n segments logically owed to it, then drains
// whatever has already arrived.
func (p *segmentPool) reclaimFromSpill(n int) {
	p.owed += n
	p.drainNonBlocking()
}

// outstanding returns the number of segments this pool still expects
// to receive asynchronously (the owed count).
func (p *segmentPool) outstanding() int { return p.owed }
