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

import "errors"

// chunkSignal is the internal, never-exported control-flow result of a
// chunk-level store attempt. It replaces the source implementation's
// exception-based signaling (see DESIGN.md, "gcInProgress flag").
type chunkSignal error

var (
	// errFull is returned by Chunk.store when the reservation would
	// overflow the slab. The chunk seals itself before returning this;
	// the caller (Cache) must move the chunk to the used list and
	// retry on a different chunk. Never escapes Cache.
	errFull chunkSignal = errors.New("chunk full")

	// errLocked is returned by Chunk.store when gcInProgress is set.
	// The caller must retry with a freshly chosen chunk. Never escapes
	// Cache.
	errLocked chunkSignal = errors.New("chunk locked for gc")

	// errEvicted is returned by Chunk.acquireLease once the chunk has
	// actually been reclaimed. Translated to the exported ErrEvicted at
	// the Cache.Lease boundary.
	errEvicted chunkSignal = errors.New("chunk already reclaimed")
)

// ErrOutOfMemory is returned by Cache.Store / Cache.StoreAndLease when
// the cache could neither find an existing chunk with enough remaining
// capacity nor allocate a new one. It is the only error Store and
// StoreAndLease return to callers; no entry is ever partially written
// when it is returned.
var ErrOutOfMemory = errors.New("revcache: out of memory")

// ErrEvicted is returned by Cache.Lease when the chunk a position.Record
// pointed at has already been reclaimed by garbage collection. Callers
// that see this should treat the lookup as a cache miss and fall back
// to whatever slower path produces the payload from scratch.
var ErrEvicted = errors.New("revcache: chunk already reclaimed")

// ErrReentrantEviction is panicked with (not returned) when the
// eviction callback calls Cache.Store or Cache.StoreAndLease from the
// goroutine that is running the collection. spec.md forbids eviction
// callback reentrancy; since Go has no assert, this module enforces it
// where a store picks or allocates its chunk (Cache.chunkFor), which is
// also the only path from which Cache.garbageCollect can be re-entered.
var ErrReentrantEviction = errors.New("revcache: eviction callback re-entered the cache")
