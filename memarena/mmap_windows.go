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

//go:build windows

package memarena

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapRegion(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmapRegion(region []byte) error {
	addr := uintptr(unsafe.Pointer(&region[0]))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func hintUnused(mem []byte) {
	// implement me: VirtualAlloc(base, len, MEM_RESET, 0) per the
	// teacher's malloc_windows.go TODO.
}
