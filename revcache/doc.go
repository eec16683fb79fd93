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

// Package revcache implements a concurrent, chunk-allocated read
// cache for immutable document revisions.
//
// A Cache hands out fixed-capacity Chunks as bump-pointer arenas: a
// Store or StoreAndLease call reserves space in whichever chunk has
// room (allocating a new one if none does), copies the payload in,
// and either returns immediately (Store) or hands back a Reader
// holding a lease that keeps the chunk alive until Close (StoreAndLease).
// Once a chunk fills up it seals and becomes eligible for garbage
// collection the moment its last reader and reference are gone; GC
// runs the configured EvictionCallback once per entry so that whatever
// index is pointing at the chunk can drop its reference before the
// slab is scrubbed and recycled.
//
// A position.Map (in the sibling package) and a ManagedDocumentResult
// build on top of Cache to give calling code a document-id-keyed
// lookup path and a small MRU cache of pinned chunks, respectively.
package revcache
