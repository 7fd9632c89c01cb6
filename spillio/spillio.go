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

// Package spillio is a reference join.IOManager backed by plain
// temporary files on disk. Each channel gets its own file and its own
// background writer goroutine, so a partition's spill writes never
// block the join driver beyond the bound imposed by the write-behind
// queue depth it was opened with.
package spillio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/coredbx/hhjoin/join"
)

// Manager hands out spill channels rooted at one directory. The zero
// value is not usable; construct one with New.
type Manager struct {
	dir string

	mu       sync.Mutex
	channels map[string]*channelFile
	closed   bool
}

type channelFile struct {
	path string
	f    *os.File
}

// New creates a Manager that writes spill files under dir. dir must
// already exist.
func New(dir string) *Manager {
	return &Manager{dir: dir, channels: make(map[string]*channelFile)}
}

// NewChannel allocates a fresh spill file and returns its opaque
// channel id.
func (m *Manager) NewChannel(ctx context.Context) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(m.dir, "hhjoin-spill-"+id+".bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("spillio: creating channel file: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("spillio: manager is closed")
	}
	m.channels[id] = &channelFile{path: path, f: f}
	return id, nil
}

// NewWriter opens a background writer bound to channel id. Segments
// passed to WriteSegment are appended to the channel's file in order
// and pushed to retQueue once the write (and an fsync-free flush via
// Write) completes.
func (m *Manager) NewWriter(ctx context.Context, id string, retQueue chan<- join.Segment) (join.ChannelWriter, error) {
	m.mu.Lock()
	cf, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("spillio: unknown channel %q", id)
	}

	w := &writer{
		f:        cf.f,
		retQueue: retQueue,
		in:       make(chan job, 4),
		done:     make(chan struct{}),
		digest:   blake2b256(),
	}
	go w.run()
	return w, nil
}

// DeleteChannel closes and removes the channel's spill file. Safe to
// call whether or not a writer for it was ever opened.
func (m *Manager) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	cf, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	cf.f.Close()
	return os.Remove(cf.path)
}

// Close deletes every channel the Manager still tracks. Intended for
// abnormal shutdown; a well-behaved caller deletes channels itself
// via join.Join.Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := m.DeleteChannel(context.Background(), id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type job struct {
	seg join.Segment
}

// writer is the per-channel background writer. It owns one goroutine
// that serializes writes to the channel's file, so WriteSegment calls
// from different goroutines are never required; the join driver only
// ever calls it from its own single thread.
type writer struct {
	f        *os.File
	retQueue chan<- join.Segment
	in       chan job
	done     chan struct{}
	closeErr error
	digest   *runningDigest
}

func (w *writer) WriteSegment(seg join.Segment) error {
	select {
	case w.in <- job{seg: seg}:
		return nil
	case <-w.done:
		return fmt.Errorf("spillio: WriteSegment after Close")
	}
}

func (w *writer) run() {
	defer close(w.done)
	for j := range w.in {
		buf := j.seg.Bytes()
		if _, err := w.f.Write(buf); err != nil {
			w.closeErr = fmt.Errorf("spillio: write: %w", err)
			w.retQueue <- j.seg
			continue
		}
		w.digest.write(buf)
		w.retQueue <- j.seg
	}
}

// Close stops accepting new segments and waits for the ones already
// queued to finish writing. Digest returns the running blake2b
// checksum of everything written to the channel, which tests use to
// confirm two spill passes over the same build side are byte-for-byte
// deterministic.
func (w *writer) Close() error {
	close(w.in)
	<-w.done
	return w.closeErr
}

// Digest returns the blake2b-256 checksum of every byte written to
// the channel so far. Only meaningful after Close.
func (w *writer) Digest() [32]byte {
	return w.digest.sum()
}

// runningDigest is only ever touched from the writer's own goroutine
// (write, via run) until after done is closed (sum, via Digest), so
// it needs no locking of its own.
type runningDigest struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func blake2b256() *runningDigest {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("spillio: blake2b.New256: " + err.Error())
	}
	return &runningDigest{h: h}
}

func (d *runningDigest) write(p []byte) { d.h.Write(p) }

func (d *runningDigest) sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}
