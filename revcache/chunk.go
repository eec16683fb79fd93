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

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/vocbase/revcache/internal/atomicext"
)

// entryHeaderSize is the on-disk/in-memory layout prefix written before
// every stored payload: a 4-byte little-endian payload length, followed
// by an 8-byte little-endian collection id. The payload bytes follow
// immediately after.
const entryHeaderSize = 4 + 8

// EvictionCallback is invoked once per stored entry, at the moment its
// chunk is reclaimed, so that the upstream index can drop any pointer
// it is holding into the freed slab. It must never re-enter the Cache
// or any Chunk (see Cache.garbageCollect); it must never fail — a
// caller that cannot honor an eviction should panic rather than leak
// a dangling pointer into freed memory.
type EvictionCallback func(collectionID uint64, payload []byte)

// Chunk is a fixed-capacity byte slab that acts as a small arena: the
// unit of both allocation (via store/storeAndLease) and reclamation
// (via garbageCollect) in the cache.
//
// Chunk-local fields are only ever touched with atomics; no chunk-level
// mutex exists, so the happy path of store/storeAndLease never blocks.
// The one synchronization that matters is the "readers vs gcInProgress"
// pair below, which must behave like Dekker's flag pair: store bumps
// readers and then checks gcInProgress; GC sets gcInProgress and then
// checks readers. Whichever side observes the other's update first
// wins the race; the loser always backs out. This is what makes it
// safe for Cache.garbageCollect to reclaim a chunk's slab the instant
// it observes zero readers and zero references.
type Chunk struct {
	buf      []byte
	capacity int64

	writeOffset int64 // bump pointer, bytes reserved so far (never exceeds capacity)
	readers     int32 // live Readers, plus transient in-flight reservations
	refs        int32 // external (ManagedDocumentResult) pins
	sealed      int32 // 0 or 1; set once, never cleared
	gcInProgress int32 // 0 or 1; set while a chunk is claimed as a GC candidate (cleared again if rejected)
	collected    int32 // 0 or 1; set once, never cleared, the instant collection actually begins

	sealedAt int64 // UnixNano, set exactly once alongside sealed; used to order the used list oldest-first
}

// newChunk wraps buf as a Chunk whose capacity is len(buf). buf must
// already have been sized to the cache's granularity by the caller
// (Cache.addChunk).
func newChunk(buf []byte) *Chunk {
	return &Chunk{buf: buf, capacity: int64(len(buf))}
}

// Capacity returns the fixed size of the chunk's slab.
func (c *Chunk) Capacity() int64 { return c.capacity }

// Sealed reports whether the chunk has stopped accepting new stores.
func (c *Chunk) Sealed() bool { return atomic.LoadInt32(&c.sealed) != 0 }

// Remaining is a best-effort (possibly stale) estimate of how many
// bytes are left for a new entry of the given payload length, used by
// Cache to decide whether a free chunk is worth attempting before it
// tries the chunk's store and gets Full back.
func (c *Chunk) Remaining(payloadLen int) bool {
	if c.Sealed() {
		return false
	}
	want := atomic.LoadInt64(&c.writeOffset) + int64(entryHeaderSize+payloadLen)
	return want <= c.capacity
}

// hasReaders reports whether any Reader (or in-flight reservation) is
// currently live against this chunk. May be stale unless observed
// after gcInProgress has been set (see Chunk doc comment).
func (c *Chunk) hasReaders() bool { return atomic.LoadInt32(&c.readers) != 0 }

// hasReferences reports whether any external reference is held against
// this chunk. Same staleness caveat as hasReaders.
func (c *Chunk) hasReferences() bool { return atomic.LoadInt32(&c.refs) != 0 }

// AddReference registers an external (non-lease) pin against the
// chunk, used by ManagedDocumentResult's ChunkCache to keep a chunk
// alive across many reads without paying a per-read lease cost.
func (c *Chunk) AddReference() { atomic.AddInt32(&c.refs, 1) }

// ReleaseReference drops a previously-added external reference.
func (c *Chunk) ReleaseReference() { atomic.AddInt32(&c.refs, -1) }

// reserve atomically carves out entryHeaderSize+n bytes from the slab
// and, for the duration of the reservation, holds a provisional
// "reader" so a racing GC cannot reclaim the chunk out from under an
// in-flight write. Callers must either convert the provisional hold
// into a real Reader (storeAndLease) or release it once the write is
// finished (store).
//
// The bump itself is a compare-and-swap retry loop rather than a
// fetch-and-add: writeOffset must never advance past capacity, because
// garbageCollect treats every byte in [0, writeOffset) as a complete,
// contiguous entry. A fetch-and-add that commits first and checks for
// overflow after would leave a zero-filled hole behind a failed
// reservation the instant two stores race a nearly-full chunk, and
// garbageCollect would decode that hole as a corrupt or phantom entry.
func (c *Chunk) reserve(n int) (start int64, err error) {
	if atomic.LoadInt32(&c.sealed) != 0 {
		return 0, errFull
	}
	if atomic.LoadInt32(&c.gcInProgress) != 0 {
		return 0, errLocked
	}
	atomic.AddInt32(&c.readers, 1)
	if atomic.LoadInt32(&c.gcInProgress) != 0 {
		atomic.AddInt32(&c.readers, -1)
		return 0, errLocked
	}
	entrySize := int64(entryHeaderSize + n)
	for {
		off := atomic.LoadInt64(&c.writeOffset)
		newOff := off + entrySize
		if newOff > c.capacity {
			c.seal()
			atomic.AddInt32(&c.readers, -1)
			return 0, errFull
		}
		if atomic.CompareAndSwapInt64(&c.writeOffset, off, newOff) {
			return off, nil
		}
	}
}

// acquireLease takes a provisional reader hold against c for the
// purpose of reconstructing a Reader from a previously-stored
// position.Record, applying the same Dekker-style double check as
// reserve. Unlike reserve, it also has to distinguish the terminal
// "this chunk is gone" state (collected) from the brief, retryable
// window in which a chunk is merely being *considered* for collection
// and gets rejected: a Record can be looked up long after the chunk
// sealed, so a caller here might race a GC cycle that either passes it
// over or succeeds, and those two outcomes must not look the same.
func (c *Chunk) acquireLease() error {
	for {
		if atomic.LoadInt32(&c.collected) != 0 {
			return errEvicted
		}
		if atomic.LoadInt32(&c.gcInProgress) != 0 {
			atomicext.Pause()
			continue
		}
		atomic.AddInt32(&c.readers, 1)
		if atomic.LoadInt32(&c.collected) != 0 || atomic.LoadInt32(&c.gcInProgress) != 0 {
			atomic.AddInt32(&c.readers, -1)
			atomicext.Pause()
			continue
		}
		return nil
	}
}

func (c *Chunk) seal() {
	if atomic.CompareAndSwapInt32(&c.sealed, 0, 1) {
		atomic.StoreInt64(&c.sealedAt, time.Now().UnixNano())
	}
}

// sealTime returns the time the chunk sealed, or the zero Time if it
// has not sealed yet. Used only to order the Cache's used list.
func (c *Chunk) sealTime() time.Time {
	ns := atomic.LoadInt64(&c.sealedAt)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Chunk) writeEntry(start int64, collectionID uint64, data []byte) {
	binary.LittleEndian.PutUint32(c.buf[start:], uint32(len(data)))
	binary.LittleEndian.PutUint64(c.buf[start+4:], collectionID)
	copy(c.buf[start+entryHeaderSize:], data)
}

// store reserves space for data and copies it in, without creating a
// Reader. It returns the offset of the payload (not the header) within
// the chunk. store never blocks and never partially writes an entry:
// either the whole entry lands, or no bytes are modified.
func (c *Chunk) store(collectionID uint64, data []byte) (int64, error) {
	start, err := c.reserve(len(data))
	if err != nil {
		return 0, err
	}
	c.writeEntry(start, collectionID, data)
	atomic.AddInt32(&c.readers, -1)
	return start + entryHeaderSize, nil
}

// storeAndLease is store, plus it hands back a Reader holding a lease
// on the freshly-written entry. The reservation and the lease are
// jointly observable: the provisional reader held during reserve
// becomes the Reader's lease without ever dropping to zero, so a
// concurrent GC can never observe "no readers" for this entry before
// the caller has had a chance to read it.
func (c *Chunk) storeAndLease(collectionID uint64, data []byte) (*Reader, error) {
	start, err := c.reserve(len(data))
	if err != nil {
		return nil, err
	}
	c.writeEntry(start, collectionID, data)
	return &Reader{
		chunk:        c,
		offset:       start + entryHeaderSize,
		length:       int64(len(data)),
		collectionID: collectionID,
	}, nil
}

// garbageCollect walks every entry from offset 0 to the chunk's high
// watermark, invoking cb once per entry, and must be called only by
// Cache.garbageCollect after the chunk has been removed from the used
// list and gcInProgress has been set and observed alongside zero
// readers and zero references (see Chunk doc comment). The slab itself
// is not freed here; the caller (Cache) recycles or discards c.buf
// after this returns.
//
// [0, writeOffset) is always a contiguous run of complete entries:
// reserve only ever advances writeOffset via a CAS that has already
// checked the result fits within capacity, so no failed reservation
// can leave a gap behind.
func (c *Chunk) garbageCollect(cb EvictionCallback) {
	end := atomic.LoadInt64(&c.writeOffset)
	off := int64(0)
	for off < end {
		length := int64(binary.LittleEndian.Uint32(c.buf[off:]))
		collectionID := binary.LittleEndian.Uint64(c.buf[off+4:])
		payload := c.buf[off+entryHeaderSize : off+entryHeaderSize+length]
		cb(collectionID, payload)
		off += entryHeaderSize + length
	}
}
