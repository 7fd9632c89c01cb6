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

	"github.com/coredbx/hhjoin/heap"
)

const minSegments = 33

// Join builds an in-memory (or partly spilled) hash table over a
// build-side Source and answers Next calls against a probe-side
// Source. It is single-threaded and cooperative: every exported
// method must be called from one goroutine at a time, and the only
// concurrency is with the IOManager via the segment pool's
// write-behind queue.
type Join struct {
	build  Source
	probe  Source
	io     IOManager
	tuning Tuning

	segSize int
	pool    *segmentPool
	parts   []*partition
	table   *bucketTable

	mm      MemoryManager
	allSegs []Segment
	opened  bool
}

// New validates its arguments and prepares a Join. It does not read
// from build or probe yet; call Open to run the build phase.
//
// avgRecordLen is used only for sizing the initial bucket table; a
// value less than 1 falls back to 100 bytes, per spec.md section 6.
func New(build, probe Source, mm MemoryManager, io IOManager, avgRecordLen int, tuning Tuning) (*Join, error) {
	if build == nil || probe == nil {
		return nil, argErrorf("build and probe sources must be non-nil")
	}
	if mm == nil {
		return nil, argErrorf("memory manager must be non-nil")
	}
	if io == nil {
		return nil, argErrorf("I/O manager must be non-nil")
	}
	segs := mm.Take()
	if len(segs) < minSegments {
		return nil, argErrorf("need at least %d segments, got %d", minSegments, len(segs))
	}
	segSize := len(segs[0].Bytes())
	if !isPow2(segSize) {
		return nil, argErrorf("segment size %d is not a power of two", segSize)
	}
	if segSize < hashBucketSize {
		return nil, argErrorf("segment size %d is smaller than the %d-byte bucket size", segSize, hashBucketSize)
	}
	for _, s := range segs[1:] {
		if len(s.Bytes()) != segSize {
			return nil, argErrorf("all segments must share one size")
		}
	}
	if avgRecordLen < 1 {
		avgRecordLen = 100
	}

	j := &Join{
		build:   build,
		probe:   probe,
		io:      io,
		tuning:  tuning,
		segSize: segSize,
		mm:      mm,
		allSegs: segs,
	}
	j.pool = newSegmentPool(segs, tuning.writeBehindBuffers(len(segs)))
	j.prepareLayout(avgRecordLen)
	return j, nil
}

// prepareLayout computes fan-out and the initial bucket-table size,
// and reserves the segments both structures start with.
func (j *Join) prepareLayout(avgRecordLen int) {
	fanOut := j.tuning.partitionFanOut(len(j.allSegs))
	bucketsPerSeg := j.segSize / hashBucketSize

	records := recordsStorable(j.segSize, avgRecordLen, len(j.allSegs))
	nBuckets := j.tuning.numBuckets(records)

	j.table = newBucketTable(bucketsPerSeg, nBuckets)
	j.parts = make([]*partition, fanOut)
}

// Open runs the build phase: partitions and the bucket table are
// allocated, and the build Source is drained until exhausted or an
// unrecoverable error occurs.
func (j *Join) Open(ctx context.Context) error {
	fanOut := len(j.parts)
	for i := range j.parts {
		seg, ok := j.pool.acquire()
		if !ok {
			return structErrorf(nil, "not enough segments to seed %d partitions", fanOut)
		}
		j.parts[i] = newPartition(i, seg)
	}

	bucketsNeeded := (j.table.primary + j.table.bucketsPerSeg - 1) / j.table.bucketsPerSeg
	for i := 0; i < bucketsNeeded; i++ {
		seg, ok := j.pool.acquire()
		if !ok {
			return structErrorf(nil, "not enough segments to seed the bucket table")
		}
		j.table.growBy(seg)
	}
	for i := 0; i < j.table.primary; i++ {
		b := j.table.bucket(i)
		b.setPartition(uint8(int(partitionHash(uint32(i), 0)) % fanOut))
		b.setStatus(statusInMemory)
		b.setCount(0)
		b.setForward(0)
	}

	j.opened = true
	for {
		rec, ok, err := j.build.Next()
		if err != nil {
			return ioErrorf(err, "reading build side")
		}
		if !ok {
			break
		}
		if err := j.insertBuild(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// insertBuild resolves rec's partition and bucket, inserts it into
// the partition, and records (hash, pointer) in the bucket -- or, if
// the bucket has already been degraded to a bit vector because its
// partition spilled, sets the corresponding bit instead.
func (j *Join) insertBuild(ctx context.Context, rec Pair) error {
	hBucket := bucketHash(rec.KeyHash, 0)
	idx := j.table.indexOf(hBucket)
	b := j.table.bucket(idx)
	pnum := int(b.partition())
	if pnum < 0 || pnum >= len(j.parts) {
		return structErrorf(map[string]any{"bucket": idx, "partition": pnum}, "corrupt bucket: partition out of range")
	}
	p := j.parts[pnum]

	ptr, err := p.insert(ctx, rec, j.pool)
	if isBufferFull(err) {
		if err := j.handleBufferFull(ctx, p); err != nil {
			return err
		}
		ptr, err = p.insert(ctx, rec, j.pool)
		if isBufferFull(err) {
			return ioErrorf(nil, "record of %d bytes exceeds segment size", len(rec.Payload))
		}
	}
	if err != nil {
		return err
	}

	// the bucket may have just been degraded by the spill triggered
	// above, in which case the partition itself is now spilled too
	b = j.table.bucket(idx)
	if b.status() == statusSpilled {
		j.table.insertSpilled(idx, rec.KeyHash)
		return nil
	}
	tag := secondaryHash(rec.KeyHash)
	if err := j.table.insert(idx, tag, ptr, j.pool); err != nil {
		// the bucket chain needed an overflow bucket and the pool had
		// no segment for it: spill to free one, then retry
		if err := j.spillVictim(ctx); err != nil {
			return err
		}
		if j.table.bucket(idx).status() == statusSpilled {
			j.table.insertSpilled(idx, rec.KeyHash)
			return nil
		}
		return j.table.insert(idx, tag, ptr, j.pool)
	}
	return nil
}

// handleBufferFull services a BUFFER_FULL signal from an in-memory
// partition's insert: acquire a free segment, spilling the largest
// in-memory partition if none is available, then extend p.
func (j *Join) handleBufferFull(ctx context.Context, p *partition) error {
	seg, ok := j.pool.acquire()
	if !ok {
		if err := j.spillVictim(ctx); err != nil {
			return err
		}
		seg, ok = j.pool.acquire()
		if !ok {
			return structErrorf(nil, "no segment available even after spilling")
		}
	}
	if p.state != partInMemory {
		// p was itself the spill victim; its tail rotation is
		// handled inside partition.insert, so just return the
		// segment we took to the pool for the next acquirer.
		j.pool.available = append(j.pool.available, seg)
		return nil
	}
	return p.addBuffer(seg)
}

// spillVictim picks the in-memory partition with the largest
// blockCounter (ties broken by lowest partition index) and spills it,
// degrading its bucket entries to a bit vector and crediting the
// freed segments back to the pool.
func (j *Join) spillVictim(ctx context.Context) error {
	candidates := make([]*partition, 0, len(j.parts))
	for _, p := range j.parts {
		if p.state == partInMemory {
			candidates = append(candidates, p)
		}
	}
	less := func(a, b *partition) bool {
		if a.blockCounter != b.blockCounter {
			return a.blockCounter > b.blockCounter
		}
		return a.index < b.index
	}
	heap.OrderSlice(candidates, less)
	if len(candidates) == 0 || candidates[0].blockCounter < 2 {
		return structErrorf(nil, "no partition eligible to spill: table is structurally too small")
	}
	victim := heap.PopSlice(&candidates, less)

	freed, err := victim.spill(ctx, j.io, j.pool)
	if err != nil {
		return err
	}
	j.pool.reclaimFromSpill(freed)
	j.degradeBucketsFor(victim.index)
	return nil
}

// degradeBucketsFor flips every bucket (primary and overflow) owned
// by the just-spilled partition into a bit vector.
func (j *Join) degradeBucketsFor(partIdx int) {
	total := j.table.next
	for i := 0; i < total; i++ {
		b := j.table.bucket(i)
		if b.status() == statusInMemory && int(b.partition()) == partIdx {
			b.degrade()
		}
	}
}

// ProbeKind distinguishes the two shapes a probe result can take.
type ProbeKind int

const (
	// ProbeInMemory means the probe record's partition is in
	// memory; Candidates holds the raw payload of every bucket
	// entry whose stored hash matched.
	ProbeInMemory ProbeKind = iota
	// ProbeSpilled means the probe record's partition has been
	// spilled; Hit reports whether the bit vector indicates a
	// possible match, in which case the caller should forward the
	// probe record to that partition's probe-side spill file for a
	// second-pass join (outside this package's scope).
	ProbeSpilled
)

// ProbeResult is the outcome of resolving one probe-side record
// against the bucket table.
type ProbeResult struct {
	Kind       ProbeKind
	Partition  int
	Candidates [][]byte
	Hit        bool
}

// Probe resolves rec against the bucket table, following the same
// (hash, partition) derivation used during build so that partition
// assignment is stable across build and probe (spec.md invariant 2).
func (j *Join) Probe(rec Pair) (ProbeResult, error) {
	if !j.opened {
		return ProbeResult{}, argErrorf("Probe called before Open")
	}
	hBucket := bucketHash(rec.KeyHash, 0)
	idx := j.table.indexOf(hBucket)
	b := j.table.bucket(idx)
	pnum := int(b.partition())
	if pnum < 0 || pnum >= len(j.parts) {
		return ProbeResult{}, structErrorf(map[string]any{"bucket": idx, "partition": pnum}, "corrupt bucket: partition out of range")
	}

	if b.status() == statusSpilled {
		// overflow buckets chained in before the spill were degraded
		// into bit vectors of their own, so test every bucket in the chain
		tag := secondaryHash(rec.KeyHash)
		hit := b.testBit(tag)
		for cur := b; !hit && cur.forward() != 0; {
			cur = j.table.bucket(int(cur.forward() - 1))
			hit = cur.testBit(tag)
		}
		return ProbeResult{
			Kind:      ProbeSpilled,
			Partition: pnum,
			Hit:       hit,
		}, nil
	}

	p := j.parts[pnum]
	var ptrs []uint64
	ptrs = j.table.lookup(idx, secondaryHash(rec.KeyHash), ptrs[:0])
	out := make([][]byte, 0, len(ptrs))
	for _, ptr := range ptrs {
		out = append(out, p.recordAt(ptr))
	}
	return ProbeResult{Kind: ProbeInMemory, Partition: pnum, Candidates: out}, nil
}

// Next drains one record from the probe Source and resolves it
// against the bucket table. ok is false once the probe side is
// exhausted. Materializing actual joined output rows from the
// returned candidates is outside this package's scope (spec.md
// section 1's "result emission iterator").
func (j *Join) Next() (result ProbeResult, ok bool, err error) {
	rec, ok, err := j.probe.Next()
	if err != nil || !ok {
		return ProbeResult{}, false, err
	}
	result, err = j.Probe(rec)
	if err != nil {
		return ProbeResult{}, false, err
	}
	return result, true, nil
}

// Close releases every segment back to the memory manager, deletes
// any spill channels opened during the build, and closes their
// writers. Close is safe to call after a failed Open.
func (j *Join) Close(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, p := range j.parts {
		if p == nil {
			continue
		}
		note(p.close())
		if p.channelID != "" {
			note(j.io.DeleteChannel(ctx, p.channelID))
		}
	}
	for _, s := range j.allSegs {
		j.mm.Return(s)
	}
	return firstErr
}
