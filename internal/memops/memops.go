// Copyright (C) 2023 Sneller, Inc.
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

// Package memops implements accelerated memory block manipulation primitives.
package memops

import "unsafe"

// ZeroMemory fills buf with zero bytes in place. It is used to scrub a
// Chunk's slab before the slab is handed back to the allocator's pool,
// so a recycled chunk never leaks a prior generation's payload bytes
// to a reader that races ahead of a short write.
func ZeroMemory[T any](buf []T) {
	if len(buf) == 0 {
		return
	}
	var zero T
	sz := unsafe.Sizeof(zero)
	if sz == 0 {
		return
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), uintptr(len(buf))*sz)
	for i := range raw {
		raw[i] = 0
	}
}
