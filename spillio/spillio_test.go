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

package spillio

import (
	"context"
	"os"
	"testing"

	"github.com/coredbx/hhjoin/join"
)

type fakeSegment struct{ buf []byte }

func (s fakeSegment) Bytes() []byte { return s.buf }

func TestWriteSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	ctx := context.Background()

	id, err := m.NewChannel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ret := make(chan join.Segment, 4)
	cw, err := m.NewWriter(ctx, id, ret)
	if err != nil {
		t.Fatal(err)
	}

	segs := []fakeSegment{
		{buf: []byte("hello ")},
		{buf: []byte("world")},
	}
	for _, s := range segs {
		if err := cw.WriteSegment(s); err != nil {
			t.Fatal(err)
		}
	}
	for range segs {
		<-ret
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	path := m.channels[id].path
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}

	if err := m.DeleteChannel(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("spill file still exists after DeleteChannel")
	}
}

func TestDigestDeterministic(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	ctx := context.Background()

	run := func() [32]byte {
		id, err := m.NewChannel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		ret := make(chan join.Segment, 4)
		cw, err := m.NewWriter(ctx, id, ret)
		if err != nil {
			t.Fatal(err)
		}
		w := cw.(*writer)
		segs := []fakeSegment{{buf: []byte("abc")}, {buf: []byte("def")}}
		for _, s := range segs {
			if err := w.WriteSegment(s); err != nil {
				t.Fatal(err)
			}
		}
		for range segs {
			<-ret
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		defer m.DeleteChannel(ctx, id)
		return w.Digest()
	}

	a := run()
	b := run()
	if a != b {
		t.Fatalf("digests differ across identical spill passes: %x vs %x", a, b)
	}
}
