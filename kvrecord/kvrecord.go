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

// Package kvrecord is a minimal key/value record encoding and a
// join.Source over a slice of them, used by this module's own tests
// and demo command. It is not part of the join core itself: any
// caller is free to hash and serialize records however it likes, as
// long as equal keys produce equal KeyHash values.
package kvrecord

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/coredbx/hhjoin/join"
)

// siphash key used to derive KeyHash. It is fixed rather than random
// so that two runs over the same records produce the same partition
// and bucket assignment.
const (
	k0 = 0x0123456789abcdef
	k1 = 0xfedcba9876543210
)

// Record is one key/value pair before it is handed to the join core.
type Record struct {
	Key   []byte
	Value []byte
}

// Hash folds the low 64 bits of the 128-bit siphash of Key down to
// the 32-bit hash the join core buckets and partitions on; the high
// 64 bits are not used.
func (r Record) Hash() uint32 {
	lo, _ := siphash.Hash128(k0, k1, r.Key)
	return uint32(lo) ^ uint32(lo>>32)
}

// Encode serializes r as a length-prefixed key followed by the value,
// the Payload format this package's Source produces and Decode
// reverses.
func (r Record) Encode() []byte {
	buf := make([]byte, 4+len(r.Key)+len(r.Value))
	binary.LittleEndian.PutUint32(buf, uint32(len(r.Key)))
	n := copy(buf[4:], r.Key)
	copy(buf[4+n:], r.Value)
	return buf
}

// Decode reverses Encode.
func Decode(payload []byte) Record {
	klen := binary.LittleEndian.Uint32(payload)
	return Record{
		Key:   payload[4 : 4+klen],
		Value: payload[4+klen:],
	}
}

// Source adapts a slice of Records to join.Source.
type Source struct {
	recs []Record
	pos  int
}

// NewSource returns a join.Source that yields recs in order.
func NewSource(recs []Record) *Source {
	return &Source{recs: recs}
}

// Next implements join.Source.
func (s *Source) Next() (join.Pair, bool, error) {
	if s.pos >= len(s.recs) {
		return join.Pair{}, false, nil
	}
	r := s.recs[s.pos]
	s.pos++
	return join.Pair{KeyHash: r.Hash(), Payload: r.Encode()}, true, nil
}
