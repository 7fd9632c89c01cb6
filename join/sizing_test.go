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

import "testing"

func TestPartitionFanOutClamped(t *testing.T) {
	var tn Tuning
	if f := tn.partitionFanOut(33); f != 10 {
		t.Fatalf("fanOut(33) = %d, want 10 (clamped to minimum)", f)
	}
	if f := tn.partitionFanOut(2000); f != 127 {
		t.Fatalf("fanOut(2000) = %d, want 127 (clamped to maximum)", f)
	}
	if f := tn.partitionFanOut(500); f != 50 {
		t.Fatalf("fanOut(500) = %d, want 50", f)
	}
}

func TestWriteBehindBuffersBounds(t *testing.T) {
	var tn Tuning
	if n := tn.writeBehindBuffers(1); n != 0 {
		t.Fatalf("writeBehindBuffers(1) = %d, want 0", n)
	}
	if n := tn.writeBehindBuffers(1_000_000); n > 6 {
		t.Fatalf("writeBehindBuffers(1e6) = %d, want <= 6", n)
	}
}

func TestNumBucketsIsPowerOfTwo(t *testing.T) {
	var tn Tuning
	for _, n := range []int{1, 100, 3900, 1_000_000} {
		got := tn.numBuckets(n)
		if !isPow2(got) {
			t.Fatalf("numBuckets(%d) = %d, not a power of two", n, got)
		}
	}
}

func TestTuningOverridesDefaults(t *testing.T) {
	tn := Tuning{MinFanOut: 20, MaxFanOut: 40, MaxWriteBehind: 2, BucketUtilization: 1.0}
	if f := tn.partitionFanOut(10); f != 20 {
		t.Fatalf("fanOut with override = %d, want 20", f)
	}
	if f := tn.partitionFanOut(10000); f != 40 {
		t.Fatalf("fanOut with override = %d, want 40", f)
	}
	if n := tn.writeBehindBuffers(1_000_000); n > 2 {
		t.Fatalf("writeBehindBuffers with override = %d, want <= 2", n)
	}
}
