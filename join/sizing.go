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

import "math"

// Tuning overrides the formulas in spec.md section 6/4.4 that derive
// write-behind buffer count, partition fan-out, and bucket-table
// size. The zero value means "use the defaults this package computes
// from the segment count and record size estimate."
type Tuning struct {
	// MinFanOut and MaxFanOut bound partitionFanOut. Zero means 10
	// and 127 respectively.
	MinFanOut, MaxFanOut int
	// MaxWriteBehind bounds writeBehindBuffers. Zero means 6.
	MaxWriteBehind int
	// BucketUtilization is the target ratio of entries to bucket
	// capacity when all partition segments are full (spec.md
	// targets 200%, i.e. 2.0). Zero means 2.0.
	BucketUtilization float64
}

func (t Tuning) minFanOut() int {
	if t.MinFanOut > 0 {
		return t.MinFanOut
	}
	return 10
}

func (t Tuning) maxFanOut() int {
	if t.MaxFanOut > 0 {
		return t.MaxFanOut
	}
	return 127
}

func (t Tuning) maxWriteBehind() int {
	if t.MaxWriteBehind > 0 {
		return t.MaxWriteBehind
	}
	return 6
}

func (t Tuning) bucketUtilization() float64 {
	if t.BucketUtilization > 0 {
		return t.BucketUtilization
	}
	return 2.0
}

// partitionFanOut computes the number of build-side partitions:
// clamp(segments/10, minFanOut, maxFanOut).
func (t Tuning) partitionFanOut(segments int) int {
	f := segments / 10
	if f < t.minFanOut() {
		f = t.minFanOut()
	}
	if f > t.maxFanOut() {
		f = t.maxFanOut()
	}
	return f
}

// writeBehindBuffers computes clamp(ceil(log4(segments) - 1.5), 0, max).
func (t Tuning) writeBehindBuffers(segments int) int {
	if segments < 1 {
		return 0
	}
	log4 := math.Log(float64(segments)) / math.Log(4)
	n := int(math.Ceil(log4 - 1.5))
	if n < 0 {
		n = 0
	}
	if m := t.maxWriteBehind(); n > m {
		n = m
	}
	return n
}

// numBuckets computes the initial bucket-table size targeting the
// configured utilization when all partition segments are full:
// ceil2((recordsStorable * 12) / (utilization * 1024) + 1).
func (t Tuning) numBuckets(recordsStorable int) int {
	raw := float64(recordsStorable*12)/(t.bucketUtilization()*hashBucketSize) + 1
	n := int(math.Ceil(raw))
	if n < 1 {
		n = 1
	}
	return nextPow2(n)
}

// recordsStorable estimates how many records fit once essentially
// every segment in the pool has been claimed by some partition's
// buffer list, given avgRecordLen bytes per record plus a 4-byte
// length prefix. This is the "buffer size... full" case the bucket
// table's 200% target is sized against.
func recordsStorable(segSize, avgRecordLen, totalSegments int) int {
	perSeg := segSize / (avgRecordLen + 4)
	return perSeg * totalSegments
}
