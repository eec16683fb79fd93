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
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/vocbase/revcache/internal/atomicext"
)

// Stats is a collection of lock-free counters describing a Cache's
// behavior over its lifetime, in the shape of the teacher's
// tenant/dcache.Cache hit/miss/failure counters.
type Stats struct {
	hits, misses, outOfMemory int64
	evictedEntries            int64
	reclaimedChunks           int64
	peakAllocated             int64
	sumEntrySize              float64 // accessed only atomically (written via atomicext.AddFloat64)
	storedEntries             int64
}

func (s *Stats) hit()    { atomic.AddInt64(&s.hits, 1) }
func (s *Stats) miss()   { atomic.AddInt64(&s.misses, 1) }
func (s *Stats) oom()    { atomic.AddInt64(&s.outOfMemory, 1) }
func (s *Stats) evicted(n int64) {
	atomic.AddInt64(&s.evictedEntries, n)
	atomic.AddInt64(&s.reclaimedChunks, 1)
}

func (s *Stats) stored(n int) {
	atomic.AddInt64(&s.storedEntries, 1)
	atomicext.AddFloat64(&s.sumEntrySize, float64(n))
}

func (s *Stats) watermark(allocated int64) {
	atomicext.MaxInt64(&s.peakAllocated, allocated)
}

// Hits returns the number of Cache.Lease calls that found their chunk
// still resident and returned a Reader. Store and StoreAndLease never
// count as hits or misses (every Store writes fresh data).
func (s *Stats) Hits() int64 { return atomic.LoadInt64(&s.hits) }

// Misses returns the complementary counter to Hits: the number of
// Cache.Lease calls that returned ErrEvicted.
func (s *Stats) Misses() int64 { return atomic.LoadInt64(&s.misses) }

// OutOfMemory returns the number of Store/StoreAndLease calls that
// failed with ErrOutOfMemory.
func (s *Stats) OutOfMemory() int64 { return atomic.LoadInt64(&s.outOfMemory) }

// EvictedEntries returns the total number of entries ever announced to
// the eviction callback.
func (s *Stats) EvictedEntries() int64 { return atomic.LoadInt64(&s.evictedEntries) }

// ReclaimedChunks returns the number of chunks ever reclaimed by GC.
func (s *Stats) ReclaimedChunks() int64 { return atomic.LoadInt64(&s.reclaimedChunks) }

// PeakAllocated returns the highest totalAllocated value ever observed.
func (s *Stats) PeakAllocated() int64 { return atomic.LoadInt64(&s.peakAllocated) }

// AverageEntrySize returns the average size, in bytes, of every payload
// ever stored through this Cache.
func (s *Stats) AverageEntrySize() float64 {
	n := atomic.LoadInt64(&s.storedEntries)
	if n == 0 {
		return 0
	}
	sum := math.Float64frombits(atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.sumEntrySize))))
	return sum / float64(n)
}
