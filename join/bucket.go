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
	"encoding/binary"

	"golang.org/x/exp/slices"
)

const (
	// hashBucketSize is the fixed size of one bucket, in bytes.
	hashBucketSize = 1024

	bucketHeaderSize = 12
	// maxBucketSlots is the number of (hash, pointer) pairs a
	// primary or overflow bucket can hold before it must chain to
	// an overflow bucket: floor((1024-12)/12) == 84.
	maxBucketSlots = (hashBucketSize - bucketHeaderSize) / 12

	bitVectorBits = (hashBucketSize - bucketHeaderSize) * 8

	statusInMemory = 0
	statusSpilled  = 1
)

// bucketView overlays the fixed layout of one 1024-byte bucket onto
// a byte slice taken from a segment. It is a thin accessor, not a
// copy: writes through it mutate the owning segment directly.
type bucketView []byte

func (b bucketView) partition() uint8     { return b[0] }
func (b bucketView) setPartition(p uint8) { b[0] = p }
func (b bucketView) status() uint8        { return b[1] }
func (b bucketView) setStatus(s uint8)    { b[1] = s }

func (b bucketView) count() int { return int(binary.LittleEndian.Uint16(b[2:4])) }
func (b bucketView) setCount(n int) {
	binary.LittleEndian.PutUint16(b[2:4], uint16(n))
}

// forward returns the 1-based index of this bucket's overflow bucket,
// or 0 if there is none.
func (b bucketView) forward() uint64 { return binary.LittleEndian.Uint64(b[4:12]) }
func (b bucketView) setForward(idx1 uint64) {
	binary.LittleEndian.PutUint64(b[4:12], idx1)
}

func (b bucketView) hashAt(i int) uint32 {
	off := bucketHeaderSize + 4*i
	return binary.LittleEndian.Uint32(b[off:])
}

func (b bucketView) setHashAt(i int, h uint32) {
	off := bucketHeaderSize + 4*i
	binary.LittleEndian.PutUint32(b[off:], h)
}

func (b bucketView) ptrAt(i int) uint64 {
	off := bucketHeaderSize + 4*maxBucketSlots + 8*i
	return binary.LittleEndian.Uint64(b[off:])
}

func (b bucketView) setPtrAt(i int, p uint64) {
	off := bucketHeaderSize + 4*maxBucketSlots + 8*i
	binary.LittleEndian.PutUint64(b[off:], p)
}

// degrade repurposes the bucket's hash/pointer payload as a bit
// vector and flips its status to spilled. Every entry already in the
// bucket is folded into the bit vector first -- its stored hashAt
// value is secondaryHash(originalKeyHash) (see insert/lookup callers),
// the same quantity insertSpilled sets bits with, so this is a direct
// copy rather than a re-hash. Without this fold, a key that was
// inserted before its partition spilled would have no bit set and a
// later probe for it would wrongly report no match.
func (b bucketView) degrade() {
	n := b.count()
	tags := make([]uint32, n)
	for i := 0; i < n; i++ {
		tags[i] = b.hashAt(i)
	}
	payload := b[bucketHeaderSize:hashBucketSize]
	for i := range payload {
		payload[i] = 0
	}
	b.setStatus(statusSpilled)
	for _, h := range tags {
		b.setBit(h)
	}
}

func (b bucketView) setBit(h uint32) {
	w := h % bitVectorBits
	b[bucketHeaderSize+w/8] |= 1 << (w % 8)
}

func (b bucketView) testBit(h uint32) bool {
	w := h % bitVectorBits
	return b[bucketHeaderSize+w/8]&(1<<(w%8)) != 0
}

// bucketTable is the array of buckets materialized over the segments
// it owns. Buckets [0, primary) are addressed directly by the low
// bits of a record's bucket hash; everything from primary onward is
// an overflow bucket chained in from some primary bucket's forward
// pointer.
type bucketTable struct {
	segs          []Segment
	bucketsPerSeg int
	primary       int // number of primary buckets; power of two
	primaryMask   uint32
	next          int // next unallocated bucket index (>= primary)
	cap           int // total bucket slots across segs
}

func newBucketTable(bucketsPerSeg, primary int) *bucketTable {
	return &bucketTable{
		bucketsPerSeg: bucketsPerSeg,
		primary:       primary,
		primaryMask:   uint32(primary - 1),
		next:          primary,
	}
}

func (t *bucketTable) bucket(idx int) bucketView {
	segIdx := idx / t.bucketsPerSeg
	inSeg := (idx % t.bucketsPerSeg) * hashBucketSize
	buf := t.segs[segIdx].Bytes()
	return bucketView(buf[inSeg : inSeg+hashBucketSize])
}

// growBy appends a freshly acquired segment to the table's backing
// store, extending its capacity by one segment's worth of buckets.
func (t *bucketTable) growBy(seg Segment) {
	t.segs = slices.Grow(t.segs, 1)
	t.segs = append(t.segs, seg)
	t.cap += t.bucketsPerSeg
}

// allocOverflow reserves the next free overflow bucket, growing the
// table from pool if the current segments are full.
func (t *bucketTable) allocOverflow(pool *segmentPool) (int, error) {
	if t.next >= t.cap {
		seg, ok := pool.acquire()
		if !ok {
			return 0, structErrorf(nil, "no segment available to grow bucket table")
		}
		t.growBy(seg)
	}
	idx := t.next
	t.next++
	return idx, nil
}

// indexOf resolves the bucket hash h to its primary bucket index.
func (t *bucketTable) indexOf(h uint32) int {
	return int(h & t.primaryMask)
}

// insert records (tag, ptr) in the bucket addressed by idx, chaining
// into an overflow bucket if the primary/overflow bucket is full. tag
// must be secondaryHash(originalKeyHash) -- the same value
// insertSpilled and degrade use -- not the bucket-addressing hash,
// so a bucket that later spills can fold its existing entries
// straight into its bit vector. Precondition: the bucket at idx is in
// memory (checked by the caller, which also handles the spilled case
// via insertSpilled).
func (t *bucketTable) insert(idx int, tag uint32, ptr uint64, pool *segmentPool) error {
	b := t.bucket(idx)
	for {
		if n := b.count(); n < maxBucketSlots {
			b.setHashAt(n, tag)
			b.setPtrAt(n, ptr)
			b.setCount(n + 1)
			return nil
		}
		if fwd := b.forward(); fwd != 0 {
			idx = int(fwd - 1)
			b = t.bucket(idx)
			continue
		}
		newIdx, err := t.allocOverflow(pool)
		if err != nil {
			return err
		}
		nb := t.bucket(newIdx)
		nb.setPartition(b.partition())
		nb.setStatus(statusInMemory)
		nb.setCount(0)
		nb.setForward(0)
		b.setForward(uint64(newIdx + 1))
		idx = newIdx
		b = nb
	}
}

// insertSpilled sets the bit corresponding to fullHash in the bit
// vector of the (already-degraded) bucket addressed by idx.
func (t *bucketTable) insertSpilled(idx int, fullHash uint32) {
	t.bucket(idx).setBit(secondaryHash(fullHash))
}

// lookup scans the bucket chain rooted at idx for entries whose
// stored tag (secondaryHash(originalKeyHash), see insert) equals tag,
// appending their record pointers to dst.
func (t *bucketTable) lookup(idx int, tag uint32, dst []uint64) []uint64 {
	b := t.bucket(idx)
	for {
		n := b.count()
		for i := 0; i < n; i++ {
			if b.hashAt(i) == tag {
				dst = append(dst, b.ptrAt(i))
			}
		}
		fwd := b.forward()
		if fwd == 0 {
			return dst
		}
		b = t.bucket(int(fwd - 1))
	}
}
