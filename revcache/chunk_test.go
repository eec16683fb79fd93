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
	"sync"
	"sync/atomic"
	"testing"
)

func TestChunkStoreAndRead(t *testing.T) {
	c := newChunk(make([]byte, 256))
	payload := []byte("hello, world")
	off, err := c.store(42, payload)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	got := c.buf[off : off+int64(len(payload))]
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	if c.hasReaders() {
		t.Fatal("store should not leave a held reader behind")
	}
}

func TestChunkStoreAndLease(t *testing.T) {
	c := newChunk(make([]byte, 256))
	payload := []byte("leased entry")
	r, err := c.storeAndLease(7, payload)
	if err != nil {
		t.Fatalf("storeAndLease: %v", err)
	}
	if !bytes.Equal(r.Data(), payload) {
		t.Fatalf("Data() = %q, want %q", r.Data(), payload)
	}
	if r.CollectionID() != 7 {
		t.Fatalf("CollectionID() = %d, want 7", r.CollectionID())
	}
	if !c.hasReaders() {
		t.Fatal("storeAndLease should hold a reader until Close")
	}
	r.Close()
	if c.hasReaders() {
		t.Fatal("Close should release the reader")
	}
}

func TestChunkReaderDoubleClosePanics(t *testing.T) {
	c := newChunk(make([]byte, 256))
	r, err := c.storeAndLease(1, []byte("x"))
	if err != nil {
		t.Fatalf("storeAndLease: %v", err)
	}
	r.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Close")
		}
	}()
	r.Close()
}

func TestChunkFullSealsAndRejects(t *testing.T) {
	c := newChunk(make([]byte, entryHeaderSize+4))
	if _, err := c.store(1, []byte("abcd")); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if c.Sealed() {
		t.Fatal("a chunk filled exactly to capacity should not seal until an entry actually overflows it")
	}
	_, err := c.store(1, []byte("x"))
	if !errors.Is(err, errFull) {
		t.Fatalf("err = %v, want errFull", err)
	}
	if !c.Sealed() {
		t.Fatal("an overflowing store must seal the chunk")
	}
}

func TestChunkOverflowingEntrySealsWithoutPartialWrite(t *testing.T) {
	c := newChunk(make([]byte, entryHeaderSize+4))
	before := append([]byte(nil), c.buf...)
	_, err := c.store(1, []byte("too big for this chunk"))
	if !errors.Is(err, errFull) {
		t.Fatalf("err = %v, want errFull", err)
	}
	if !bytes.Equal(before, c.buf) {
		t.Fatal("a failed store must not modify any bytes")
	}
	if !c.Sealed() {
		t.Fatal("an overflowing reservation must seal the chunk")
	}
}

func TestChunkGarbageCollectWalksEveryEntry(t *testing.T) {
	c := newChunk(make([]byte, 4096))
	want := map[uint64][]byte{
		1: []byte("one"),
		2: []byte("two"),
		3: []byte("three"),
	}
	for id, data := range want {
		if _, err := c.store(id, data); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	got := make(map[uint64][]byte)
	c.garbageCollect(func(collectionID uint64, payload []byte) {
		got[collectionID] = append([]byte(nil), payload...)
	})
	if len(got) != len(want) {
		t.Fatalf("visited %d entries, want %d", len(got), len(want))
	}
	for id, data := range want {
		if !bytes.Equal(got[id], data) {
			t.Fatalf("entry %d = %q, want %q", id, got[id], data)
		}
	}
}

func TestChunkConcurrentStoresNeverCorruptEntries(t *testing.T) {
	c := newChunk(make([]byte, 1<<20))
	const n = 500
	var wg sync.WaitGroup
	results := make([]struct {
		off int64
		buf []byte
		ok  bool
	}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 1+i%32)
			off, err := c.store(uint64(i), payload)
			if err == nil {
				results[i] = struct {
					off int64
					buf []byte
					ok  bool
				}{off, payload, true}
			}
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if !r.ok {
			continue
		}
		if !bytes.Equal(c.buf[r.off:r.off+int64(len(r.buf))], r.buf) {
			t.Fatalf("entry %d corrupted", i)
		}
	}
}

func TestChunkConcurrentOverflowLeavesNoHoleForGarbageCollect(t *testing.T) {
	// Size the chunk so several goroutines racing store() can't all fit:
	// some reservations must fail and the chunk must seal, but every
	// byte below the final writeOffset must still belong to a complete
	// entry, with no zero-filled gap left by a failed reservation.
	entrySize := int64(entryHeaderSize + 8)
	const fitting = 10
	c := newChunk(make([]byte, entrySize*fitting))

	const n = 64
	var wg sync.WaitGroup
	var stored int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.store(uint64(i), []byte("12345678"))
			if err == nil {
				atomic.AddInt32(&stored, 1)
			} else if !errors.Is(err, errFull) {
				t.Errorf("store: unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if !c.Sealed() {
		t.Fatal("a chunk that rejected stores for lack of room must seal")
	}
	if int(stored) > fitting {
		t.Fatalf("stored %d entries, chunk only has room for %d", stored, fitting)
	}

	visited := 0
	c.garbageCollect(func(collectionID uint64, payload []byte) {
		visited++
		if len(payload) != 8 {
			t.Fatalf("garbageCollect decoded a phantom/corrupt entry: collectionID=%d payload=%q", collectionID, payload)
		}
	})
	if visited != int(stored) {
		t.Fatalf("garbageCollect visited %d entries, want %d", visited, stored)
	}
}

func TestChunkAcquireLeaseReturnsErrEvictedAfterCollection(t *testing.T) {
	c := newChunk(make([]byte, 256))
	if _, err := c.store(1, []byte("x")); err != nil {
		t.Fatalf("store: %v", err)
	}
	c.seal()
	c.collected = 1
	if err := c.acquireLease(); !errors.Is(err, errEvicted) {
		t.Fatalf("acquireLease err = %v, want errEvicted", err)
	}
}
