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
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vocbase/revcache/heap"
	"github.com/vocbase/revcache/internal/atomicext"
	"github.com/vocbase/revcache/internal/memops"
	"github.com/vocbase/revcache/ints"
)

// chunkAlignment is the granularity chunk capacities are rounded up
// to, so pooled buffers of the same nominal size are always
// interchangeable even when an oversized entry forces a custom
// capacity.
const chunkAlignment = 64

// Cache is a concurrent, chunk-allocated store of immutable document
// payloads (spec.md §4.2). It owns a pool of Chunks, keeps a "free"
// list of chunks still accepting stores and a "used" list of sealed
// chunks ordered oldest-first for garbage collection, and enforces a
// soft total-size budget by reclaiming the oldest sealed chunk once
// that budget is reached.
//
// Cache is safe for concurrent use. The structural lists (free, used)
// are guarded by a single RWMutex, following the teacher's
// tenant/dcache.Cache locking discipline: a shared lock to pick a free
// chunk or to read totalAllocated, an exclusive lock to mutate the
// lists or to run garbageCollect. Chunk-local hot paths (store,
// storeAndLease) never take this lock at all.
type Cache struct {
	cfg Config
	id  uuid.UUID

	mu             sync.RWMutex
	free           []*Chunk
	used           []*Chunk // min-heap ordered by Chunk.sealTime
	totalAllocated int64

	pool sync.Pool // recycles []byte buffers sized cfg.DefaultChunkSize

	stats Stats

	// Reentrancy guard around cfg.EvictionCallback. collectingCount
	// lets the common (no GC in flight anywhere) case cost a single
	// atomic load; collecting is only consulted once some goroutine is
	// actually running a callback.
	collectingCount int32
	collecting      sync.Map // goroutine id (uint64) -> struct{}
}

// New constructs a Cache from cfg. cfg.EvictionCallback must be set;
// every other field has a usable default (see Config.setDefaults).
func New(cfg Config) (*Cache, error) {
	if cfg.EvictionCallback == nil {
		return nil, errors.New("revcache: Config.EvictionCallback must not be nil")
	}
	cfg.setDefaults()
	c := &Cache{
		cfg: cfg,
		id:  uuid.New(),
	}
	c.pool.New = func() interface{} {
		return make([]byte, cfg.DefaultChunkSize)
	}
	return c, nil
}

// ID returns the cache instance's unique identifier, for use in logs
// and metrics labels, mirroring the teacher's per-tenant uuid tagging.
func (c *Cache) ID() uuid.UUID { return c.id }

// Stats returns the cache's lifetime counters.
func (c *Cache) Stats() *Stats { return &c.stats }

// TotalAllocated returns the current sum of every live chunk's
// capacity, free and used alike.
func (c *Cache) TotalAllocated() int64 { return atomic.LoadInt64(&c.totalAllocated) }

// StoreAndLease copies data into the cache under collectionID and
// returns a Reader holding an immediate lease on it, so the caller can
// read it back without risking a concurrent GC reclaiming the chunk
// first. The caller must Close the Reader once done with it.
//
// StoreAndLease returns ErrOutOfMemory, never partially written, if no
// chunk can be found or allocated for the entry even after attempting
// to reclaim sealed chunks.
func (c *Cache) StoreAndLease(collectionID uint64, data []byte) (*Reader, error) {
	for {
		chunk, err := c.chunkFor(len(data))
		if err != nil {
			c.stats.oom()
			return nil, err
		}
		reader, err := chunk.storeAndLease(collectionID, data)
		if err == nil {
			c.stats.stored(len(data))
			return reader, nil
		}
		if !c.handleStoreFailure(chunk, err) {
			continue
		}
	}
}

// Lease reconstructs a Reader over a previously-stored entry given its
// exact location, as recorded by a position.Record. It returns
// ErrEvicted if chunk has since been reclaimed by garbage collection.
func (c *Cache) Lease(chunk *Chunk, offset, length int64, collectionID uint64) (*Reader, error) {
	if err := chunk.acquireLease(); err != nil {
		c.stats.miss()
		return nil, ErrEvicted
	}
	c.stats.hit()
	return &Reader{
		chunk:        chunk,
		offset:       offset,
		length:       length,
		collectionID: collectionID,
	}, nil
}

// Store is StoreAndLease without the lease: it copies data into the
// cache and returns the chunk and payload offset it landed at, for
// callers (such as ManagedDocumentResult) that manage chunk references
// themselves via Chunk.AddReference instead of a Reader.
func (c *Cache) Store(collectionID uint64, data []byte) (*Chunk, int64, error) {
	for {
		chunk, err := c.chunkFor(len(data))
		if err != nil {
			c.stats.oom()
			return nil, 0, err
		}
		offset, err := chunk.store(collectionID, data)
		if err == nil {
			c.stats.stored(len(data))
			return chunk, offset, nil
		}
		if !c.handleStoreFailure(chunk, err) {
			continue
		}
	}
}

// handleStoreFailure reacts to a Full/Locked signal from a chunk-level
// store attempt. It always returns false (meaning "loop again"); the
// bool result exists only so callers read naturally as "if retry,
// continue".
func (c *Cache) handleStoreFailure(chunk *Chunk, err error) bool {
	switch {
	case errors.Is(err, errFull):
		c.retire(chunk)
	case errors.Is(err, errLocked):
		atomicext.Pause()
	}
	return false
}

// chunkFor returns a chunk with room for an entry of n payload bytes,
// either by picking one off the free list or by allocating (and
// possibly garbage collecting to make room for) a new one.
func (c *Cache) chunkFor(n int) (*Chunk, error) {
	c.checkReentrant()
	if chunk := c.pickFree(n); chunk != nil {
		return chunk, nil
	}
	return c.addChunk(n)
}

// checkReentrant panics with ErrReentrantEviction if the calling
// goroutine is currently executing inside its own call to
// cfg.EvictionCallback. The fast path (no eviction callback running
// anywhere) costs one atomic load; goroutineID is only computed once
// collectingCount is nonzero.
func (c *Cache) checkReentrant() {
	if atomic.LoadInt32(&c.collectingCount) == 0 {
		return
	}
	if _, ok := c.collecting.Load(goroutineID()); ok {
		panic(ErrReentrantEviction)
	}
}

// goroutineID extracts the calling goroutine's runtime id from its
// stack trace header. It exists solely to scope the eviction-callback
// reentrancy guard to the offending goroutine, so unrelated concurrent
// collections never trip a false positive.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		if id, err := strconv.ParseUint(string(b[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// pickFree returns a free chunk with at least n bytes remaining, or
// nil if none qualifies. Held only under a shared lock: the chunks
// themselves are lock-free, so this never blocks a concurrent store.
//
// free is scanned back-to-front: spec.md §4.2 specifies the most
// recently added chunk as the preferred target, to maximize locality
// (new stores cluster in the newest chunk rather than spreading across
// every still-open one), and addChunk always appends new chunks to the
// back of free.
//
// A chunk scanned here that has no room for the entry is sealed, just
// as an overflowing store would seal it, so the next pruneSealed moves
// it to the used heap where garbage collection can reclaim it.
func (c *Cache) pickFree(n int) *Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.free) - 1; i >= 0; i-- {
		if c.free[i].Remaining(n) {
			return c.free[i]
		}
		c.free[i].seal()
	}
	return nil
}

// addChunk implements spec.md §4.2's four-step allocation protocol:
// reclaim if the budget is exhausted, size the new chunk, allocate its
// slab (from the pool when possible), and publish it on the free list.
func (c *Cache) addChunk(n int) (*Chunk, error) {
	size := c.chunkPhysicalSize(n)

	c.mu.Lock()
	c.pruneSealed()
	over := atomic.LoadInt64(&c.totalAllocated)+size > c.cfg.TotalTargetSize
	c.mu.Unlock()

	if over {
		c.mu.RLock()
		maxAttempts := len(c.used) + 1
		c.mu.RUnlock()
		for attempts := 0; attempts < maxAttempts; attempts++ {
			if !c.garbageCollect() {
				break
			}
			c.mu.RLock()
			stillOver := atomic.LoadInt64(&c.totalAllocated)+size > c.cfg.TotalTargetSize
			c.mu.RUnlock()
			if !stillOver {
				over = false
				break
			}
		}
		if over {
			return nil, ErrOutOfMemory
		}
	}

	buf := c.acquireBuffer(size)
	chunk := newChunk(buf)

	c.mu.Lock()
	c.free = append(c.free, chunk)
	c.mu.Unlock()

	total := atomic.AddInt64(&c.totalAllocated, size)
	c.stats.watermark(total)
	c.cfg.errorf("revcache: allocated chunk of %d bytes (total %d)", size, total)
	return chunk, nil
}

// chunkPhysicalSize rounds n up to the cache's default chunk size (so
// ordinary entries always land in an interchangeable, poolable
// buffer), or, for an entry too large for the default, to the next
// chunkAlignment boundary above the entry's own footprint.
func (c *Cache) chunkPhysicalSize(n int) int64 {
	need := int64(entryHeaderSize + n)
	if need <= c.cfg.DefaultChunkSize {
		return c.cfg.DefaultChunkSize
	}
	return int64(ints.AlignUp64(uint64(need), chunkAlignment))
}

// acquireBuffer returns a zeroed buffer of exactly size bytes, reusing
// a pooled buffer when size matches the pool's bucket.
func (c *Cache) acquireBuffer(size int64) []byte {
	if size == c.cfg.DefaultChunkSize {
		buf := c.pool.Get().([]byte)
		if int64(len(buf)) == size {
			return buf
		}
	}
	return make([]byte, size)
}

// releaseBuffer scrubs a chunk's slab and, if it matches the pool's
// bucket size, returns it for reuse.
func (c *Cache) releaseBuffer(buf []byte) {
	memops.ZeroMemory(buf)
	if int64(len(buf)) == c.cfg.DefaultChunkSize {
		c.pool.Put(buf)
	}
}

// retire moves a newly-sealed chunk from the free list to the used
// (GC-eligible) heap. Safe to call redundantly; a chunk already moved
// is a no-op.
func (c *Cache) retire(chunk *Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeSealedLocked(chunk)
}

// pruneSealed scans the free list once for chunks that sealed since
// the last scan (e.g. because they just overflowed under a different
// goroutine) and moves them to the used heap. Must be called with
// c.mu held for writing.
func (c *Cache) pruneSealed() {
	i := 0
	for i < len(c.free) {
		if c.free[i].Sealed() {
			c.removeSealedLocked(c.free[i])
			continue
		}
		i++
	}
}

// removeSealedLocked removes chunk from the free list (if present) and
// pushes it onto the used heap (if not already there). Must be called
// with c.mu held for writing.
func (c *Cache) removeSealedLocked(chunk *Chunk) {
	for i, fc := range c.free {
		if fc == chunk {
			c.free[i] = c.free[len(c.free)-1]
			c.free = c.free[:len(c.free)-1]
			heap.PushSlice(&c.used, chunk, usedLess)
			return
		}
	}
}

func usedLess(a, b *Chunk) bool {
	return a.sealTime().Before(b.sealTime())
}

// garbageCollect reclaims the oldest sealed chunk that currently has
// no live readers or references, invoking the eviction callback once
// per entry it held and returning its slab to the pool. It returns
// false if the used heap is empty or every sealed chunk is still busy.
func (c *Cache) garbageCollect() bool {
	c.mu.Lock()
	if len(c.used) == 0 {
		c.mu.Unlock()
		return false
	}

	var deferred []*Chunk
	var victim *Chunk
	for len(c.used) > 0 {
		candidate := heap.PopSlice(&c.used, usedLess)
		if !atomic.CompareAndSwapInt32(&candidate.gcInProgress, 0, 1) {
			deferred = append(deferred, candidate)
			continue
		}
		// Dekker-style double check: gcInProgress is now visible to any
		// reserve() racing us, so a reader count observed as zero here
		// cannot be joined by a new one before we proceed.
		if candidate.hasReaders() || candidate.hasReferences() {
			atomic.StoreInt32(&candidate.gcInProgress, 0)
			deferred = append(deferred, candidate)
			continue
		}
		victim = candidate
		break
	}
	for _, d := range deferred {
		heap.PushSlice(&c.used, d, usedLess)
	}
	if victim == nil {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.collect(victim)
	return true
}

// collect runs the eviction callback over every entry in victim and
// releases its slab. Called with no lock held; victim is already
// unreachable from free/used, so this never races a store.
func (c *Cache) collect(victim *Chunk) {
	atomic.StoreInt32(&victim.collected, 1)

	gid := goroutineID()
	c.collecting.Store(gid, struct{}{})
	atomic.AddInt32(&c.collectingCount, 1)
	defer func() {
		atomic.AddInt32(&c.collectingCount, -1)
		c.collecting.Delete(gid)
	}()

	evicted := int64(0)
	victim.garbageCollect(func(collectionID uint64, payload []byte) {
		evicted++
		c.cfg.EvictionCallback(collectionID, payload)
	})

	atomic.AddInt64(&c.totalAllocated, -victim.Capacity())
	c.stats.evicted(evicted)
	c.releaseBuffer(victim.buf)
}
