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

// chunkCacheCapacity bounds how many distinct chunks a single
// ManagedDocumentResult will pin at once. Four matches the common
// case of a handful of hot revisions belonging to a small working set
// of recent chunks; once exceeded, the least-recently-touched chunk's
// reference is dropped to make room for the new one.
const chunkCacheCapacity = 4

// chunkRef is one entry in a ManagedDocumentResult's chunk cache: a
// pinned Chunk plus the offset/length of the single entry this result
// currently cares about within it.
type chunkRef struct {
	chunk  *Chunk
	offset int64
	length int64
}

// ManagedDocumentResult bundles a document's cached payload with a
// small most-recently-used cache of the Chunks backing recent lookups,
// so that a caller scanning many revisions of the same handful of
// documents doesn't pay a full Cache.Store/lookup round trip (and the
// associated AddReference/ReleaseReference churn) for every access.
//
// Unlike Reader, ManagedDocumentResult pins chunks via
// Chunk.AddReference/ReleaseReference rather than the readers counter:
// references are a longer-lived, coarser-grained hold intended to
// survive across many logical reads, whereas a Reader's readers++ is
// meant to be held only for the duration of a single access.
//
// Not safe for concurrent use; callers are expected to hold one
// ManagedDocumentResult per logical read path (e.g. one per request or
// per cursor), the way the teacher's call sites hold one *dcache.Entry
// lease at a time.
type ManagedDocumentResult struct {
	cache *Cache
	chunks []chunkRef
}

// NewManagedDocumentResult returns an empty result bound to cache.
func NewManagedDocumentResult(cache *Cache) *ManagedDocumentResult {
	return &ManagedDocumentResult{cache: cache}
}

// Add stores data under collectionID and pins the chunk it landed in,
// returning the payload bytes (valid until the chunk is evicted from
// this result, i.e. until ReleaseAll or enough further Add/AddMulti
// calls push it out of the MRU window).
func (m *ManagedDocumentResult) Add(collectionID uint64, data []byte) ([]byte, error) {
	chunk, offset, err := m.cache.Store(collectionID, data)
	if err != nil {
		return nil, err
	}
	m.pin(chunk, offset, int64(len(data)))
	return chunk.buf[offset : offset+int64(len(data))], nil
}

// AddMulti is Add applied to a batch of payloads sharing one
// collectionID, the shape a bulk-insert code path uses when staging
// many documents from the same collection in one call. It stops and
// returns the error from the first failing Store call; payloads
// already added remain pinned in m.
func (m *ManagedDocumentResult) AddMulti(collectionID uint64, payloads [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(payloads))
	for _, data := range payloads {
		b, err := m.Add(collectionID, data)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// AddExisting pins the chunk backing an already-leased revision into m
// without storing anything new, for a revision already resident in the
// cache (r typically comes from Cache.Lease against a position.Record),
// mirroring the original's addExisting counterpart to add. r remains
// the caller's to Close; m's pin is independent of r's lease.
func (m *ManagedDocumentResult) AddExisting(r *Reader) []byte {
	m.pin(r.chunk, r.offset, r.length)
	return r.chunk.buf[r.offset : r.offset+r.length]
}

// pin adds a reference on chunk (unless m already holds one from a
// prior call) and records it as the most-recently-used entry,
// evicting the least-recently-used reference if that would exceed
// chunkCacheCapacity.
func (m *ManagedDocumentResult) pin(chunk *Chunk, offset, length int64) {
	for i, ref := range m.chunks {
		if ref.chunk == chunk {
			m.chunks = append(m.chunks[:i], m.chunks[i+1:]...)
			m.chunks = append(m.chunks, chunkRef{chunk, offset, length})
			return
		}
	}

	chunk.AddReference()
	m.chunks = append(m.chunks, chunkRef{chunk, offset, length})
	if len(m.chunks) > chunkCacheCapacity {
		oldest := m.chunks[0]
		m.chunks = m.chunks[1:]
		oldest.chunk.ReleaseReference()
	}
}

// Len returns how many chunks are currently pinned by this result.
func (m *ManagedDocumentResult) Len() int { return len(m.chunks) }

// ReleaseAll drops every reference this result holds. It must be
// called exactly once when the result is no longer needed; failing to
// call it leaks references that keep chunks from ever being reclaimed.
func (m *ManagedDocumentResult) ReleaseAll() {
	for _, ref := range m.chunks {
		ref.chunk.ReleaseReference()
	}
	m.chunks = nil
}
