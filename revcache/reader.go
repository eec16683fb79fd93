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

package revcache

import "sync/atomic"

// Reader (the ChunkProtector of spec.md §4.3) is a scoped lease on a
// single entry inside a Chunk. Holding a live Reader guarantees the
// chunk cannot be reclaimed by GC. A Reader is not safe to copy; pass
// it by pointer and call Close exactly once when done with it. Closing
// a nil *Reader, or calling Close twice, panics rather than silently
// corrupting the reader count.
type Reader struct {
	chunk        *Chunk
	offset       int64
	length       int64
	collectionID uint64
	closed       int32
}

// Data returns the payload bytes leased by r. The returned slice is
// only valid until r is closed; callers that need the bytes to outlive
// the lease must copy them.
func (r *Reader) Data() []byte {
	return r.chunk.buf[r.offset : r.offset+r.length]
}

// Length returns the number of payload bytes leased by r.
func (r *Reader) Length() int64 { return r.length }

// CollectionID returns the collection id supplied verbatim at store
// time.
func (r *Reader) CollectionID() uint64 { return r.collectionID }

// Close releases the lease, allowing the chunk to be reclaimed once
// every other reader and reference has also gone away. Close must be
// called exactly once; a defer immediately after a successful store is
// the idiomatic usage, mirroring the teacher's mapping/unmap discipline
// in tenant/dcache/cache.go.
func (r *Reader) Close() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		panic("revcache: Reader closed more than once")
	}
	atomic.AddInt32(&r.chunk.readers, -1)
}
