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

import "math/bits"

// bucketHash mixes a 32-bit key hash for bucket assignment using
// Robert Jenkins' 32-bit integer hash. level perturbs the
// input so recursive passes don't reuse the same avalanche.
func bucketHash(k, level uint32) uint32 {
	a := k + level
	a = (a + 0x7ed55d16) + (a << 12)
	a = (a ^ 0xc761c23c) ^ (a >> 19)
	a = (a + 0x165667b1) + (a << 5)
	a = (a + 0xd3a2646c) ^ (a << 9)
	a = (a + 0xfd7046c5) + (a << 3)
	a = (a ^ 0xb55a4f09) ^ (a >> 16)
	return a
}

func rol32(x uint32, n uint) uint32 { return bits.RotateLeft32(x, int(n)) }

// jenkinsFinal is Bob Jenkins' lookup3 "final" mix over three 32-bit
// words; it is structurally unrelated to bucketHash's shift-and-add
// integer mix, which is what makes partitionHash statistically independent
// of bucketHash.
func jenkinsFinal(a, b, c uint32) uint32 {
	c ^= b
	c -= rol32(b, 14)
	a ^= c
	a -= rol32(c, 11)
	b ^= a
	b -= rol32(a, 25)
	c ^= b
	c -= rol32(b, 16)
	a ^= c
	a -= rol32(c, 4)
	b ^= a
	b -= rol32(a, 14)
	c ^= b
	c -= rol32(b, 24)
	return c
}

// partitionHash derives the partition number independently of
// bucketHash, using the same key hash and level.
func partitionHash(k, level uint32) uint32 {
	return jenkinsFinal(k, level, 0xdeadbeef)
}

// secondaryHash derives the bit to set in a spilled bucket's bit
// vector from the record's full 32-bit key hash; it reuses bucketHash
// with a level distinct from the one used for bucket assignment so
// that bit-vector occupancy isn't correlated with bucket occupancy.
func secondaryHash(fullHash uint32) uint32 {
	return bucketHash(fullHash, 0x9e3779b9)
}

func isPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func nextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}
