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

// Package engine wires a revcache.Cache together with a position.Map
// into the single component a storage engine's collection layer
// actually wants: put a revision in once, look it up by revision id
// any number of times, and never think about chunk lifetimes directly.
package engine

import (
	"errors"

	"github.com/vocbase/revcache/position"
	"github.com/vocbase/revcache/revcache"
)

// RevisionIDOf extracts the revision id a stored payload belongs to,
// so that Store's internal eviction hook can remove the matching
// position.Map entry the instant its chunk is reclaimed — the Go
// analogue of the original's unlinkCallback reading the revision id
// back out of the document it was just handed.
type RevisionIDOf func(payload []byte) uint64

// Store bundles a revcache.Cache and a position.Map, keeping them
// consistent: whenever the cache evicts a chunk, Store removes every
// position record that pointed into it before the eviction callback
// returns, so a racing Get can never observe a stale record pointing
// at reclaimed memory for longer than Cache.Lease's own retry window.
type Store struct {
	cache     *revcache.Cache
	positions *position.Map
}

// New constructs a Store. cfg.EvictionCallback, if set, is still
// invoked for every reclaimed entry, after Store's own bookkeeping.
func New(cfg revcache.Config, revisionIDOf RevisionIDOf) (*Store, error) {
	if revisionIDOf == nil {
		return nil, errors.New("engine: RevisionIDOf must not be nil")
	}
	positions := position.New()
	userCallback := cfg.EvictionCallback
	cfg.EvictionCallback = func(collectionID uint64, payload []byte) {
		positions.Remove(revisionIDOf(payload))
		if userCallback != nil {
			userCallback(collectionID, payload)
		}
	}
	cache, err := revcache.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache, positions: positions}, nil
}

// Cache returns the underlying revcache.Cache, for callers that need
// direct access (e.g. Stats, or handing it to a ManagedDocumentResult).
func (s *Store) Cache() *revcache.Cache { return s.cache }

// Positions returns the underlying position.Map.
func (s *Store) Positions() *position.Map { return s.positions }

// Put stores data under collectionID and records its location against
// revisionID, overwriting whatever was previously recorded for it.
func (s *Store) Put(revisionID, collectionID uint64, data []byte) error {
	chunk, offset, err := s.cache.Store(collectionID, data)
	if err != nil {
		return err
	}
	s.positions.Insert(revisionID, position.Record{
		Chunk:        chunk,
		Offset:       offset,
		Length:       int64(len(data)),
		CollectionID: collectionID,
	})
	return nil
}

// Get looks up revisionID and leases its payload. A miss (never
// stored, or evicted) returns revcache.ErrEvicted; the caller is
// expected to treat this as a cache-miss signal and refetch the
// document from its system of record.
func (s *Store) Get(revisionID uint64) (*revcache.Reader, error) {
	rec, ok := s.positions.Lookup(revisionID)
	if !ok {
		return nil, revcache.ErrEvicted
	}
	reader, err := rec.Reader(s.cache)
	if errors.Is(err, revcache.ErrEvicted) {
		// The eviction callback races this lookup: it may not have run
		// yet for this exact record. Clean up eagerly rather than
		// leaving a dangling entry for the next lookup to pay for.
		s.positions.Remove(revisionID)
	}
	return reader, err
}

// Invalidate removes any position recorded for revisionID without
// touching the cache itself (the chunk, if still live, is reclaimed
// normally once its other readers and references drop away).
func (s *Store) Invalidate(revisionID uint64) {
	s.positions.Remove(revisionID)
}

// Stats returns the underlying cache's lifetime counters.
func (s *Store) Stats() *revcache.Stats { return s.cache.Stats() }
