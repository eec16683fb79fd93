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
	"testing"
)

func TestManagedDocumentResultAddAndReleaseAll(t *testing.T) {
	c := newTestCache(t, 1<<20, nil)
	m := NewManagedDocumentResult(c)

	data, err := m.Add(1, []byte("hello"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("Add returned %q, want %q", data, "hello")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	m.ReleaseAll()
	if m.Len() != 0 {
		t.Fatalf("Len() after ReleaseAll = %d, want 0", m.Len())
	}
}

func TestManagedDocumentResultAddMulti(t *testing.T) {
	c := newTestCache(t, 1<<20, nil)
	m := NewManagedDocumentResult(c)
	defer m.ReleaseAll()

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	out, err := m.AddMulti(7, payloads)
	if err != nil {
		t.Fatalf("AddMulti: %v", err)
	}
	if len(out) != len(payloads) {
		t.Fatalf("AddMulti returned %d payloads, want %d", len(out), len(payloads))
	}
	for i, want := range payloads {
		if !bytes.Equal(out[i], want) {
			t.Fatalf("out[%d] = %q, want %q", i, out[i], want)
		}
	}
}

func TestManagedDocumentResultAddExistingPinsWithoutRestoring(t *testing.T) {
	c := newTestCache(t, 1<<20, nil)

	chunk, offset, err := c.Store(3, []byte("already resident"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	r, err := c.Lease(chunk, offset, int64(len("already resident")), 3)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer r.Close()

	m := NewManagedDocumentResult(c)
	defer m.ReleaseAll()

	data := m.AddExisting(r)
	if !bytes.Equal(data, []byte("already resident")) {
		t.Fatalf("AddExisting returned %q, want %q", data, "already resident")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	if !chunk.hasReferences() {
		t.Fatal("AddExisting should pin the chunk via a reference")
	}
}

func TestManagedDocumentResultEvictsLeastRecentlyUsedChunk(t *testing.T) {
	// A payload just under the default chunk size leaves no room for a
	// second one in the same chunk, so each Store lands in a fresh
	// chunk; pinning chunkCacheCapacity+1 of them must evict the oldest.
	c := newTestCache(t, 1<<20, nil)
	m := NewManagedDocumentResult(c)
	defer m.ReleaseAll()

	var chunks []*Chunk
	for i := 0; i < chunkCacheCapacity+1; i++ {
		chunk, _, err := c.Store(uint64(i), bytes.Repeat([]byte{byte(i)}, 3000))
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		chunks = append(chunks, chunk)
		m.pin(chunk, 0, 3000)
	}
	if m.Len() != chunkCacheCapacity {
		t.Fatalf("Len() = %d, want %d (bounded by capacity)", m.Len(), chunkCacheCapacity)
	}
	if chunks[0].hasReferences() {
		t.Fatal("the least-recently-used chunk should have had its reference released")
	}
	if !chunks[len(chunks)-1].hasReferences() {
		t.Fatal("the most-recently-pinned chunk should still hold a reference")
	}
}
