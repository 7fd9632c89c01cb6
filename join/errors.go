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

import "fmt"

// ArgumentError is returned when a construction-time invariant is
// violated: a nil input, too few segments, a segment size that isn't
// a power of two, or a segment smaller than one bucket.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "join: bad argument: " + e.Msg }

func argErrorf(format string, args ...any) error {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

// IOError wraps a transient I/O failure: a spill write error, an
// interrupted write-behind take, or a record too large to fit in an
// empty segment. It is never retried by this package; the caller is
// expected to abort the join and restart it if appropriate.
type IOError struct {
	Msg string
	Err error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return "join: i/o error: " + e.Msg + ": " + e.Err.Error()
	}
	return "join: i/o error: " + e.Msg
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErrorf(err error, format string, args ...any) error {
	return &IOError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// StructuralError indicates an engine bug rather than an environmental
// failure: bucket corruption, a spill requested on an already-spilled
// partition, or a spill attempted with fewer than two buffers. Context
// carries diagnostic fields (partition index, bucket offset, and so
// on) for whoever reads the error.
type StructuralError struct {
	Msg     string
	Context map[string]any
}

func (e *StructuralError) Error() string {
	if len(e.Context) == 0 {
		return "join: internal error: " + e.Msg
	}
	return fmt.Sprintf("join: internal error: %s %v", e.Msg, e.Context)
}

func structErrorf(ctx map[string]any, format string, args ...any) error {
	return &StructuralError{Msg: fmt.Sprintf(format, args...), Context: ctx}
}
