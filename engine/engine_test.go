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

package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vocbase/revcache/revcache"
)

// testPayload packs a revision id ahead of the document body, the way
// a real caller's documents would carry their own revision id inline,
// so revisionIDOf can recover it from the bytes the eviction callback
// is handed.
func testPayload(revisionID uint64, body string) []byte {
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(buf, revisionID)
	copy(buf[8:], body)
	return buf
}

func testRevisionIDOf(payload []byte) uint64 {
	return binary.LittleEndian.Uint64(payload)
}

func TestStorePutAndGet(t *testing.T) {
	s, err := New(revcache.Config{DefaultChunkSize: 4096, TotalTargetSize: 1 << 20}, testRevisionIDOf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := testPayload(1, "document body")
	if err := s.Put(1, 10, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	if !bytes.Equal(r.Data(), payload) {
		t.Fatalf("Get returned %q, want %q", r.Data(), payload)
	}
}

func TestStoreGetMissReturnsErrEvicted(t *testing.T) {
	s, err := New(revcache.Config{DefaultChunkSize: 4096, TotalTargetSize: 1 << 20}, testRevisionIDOf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Get(999); !errors.Is(err, revcache.ErrEvicted) {
		t.Fatalf("Get on unknown revision = %v, want ErrEvicted", err)
	}
}

func TestStoreEvictionRemovesPositionRecord(t *testing.T) {
	// Budget for exactly one default-sized chunk, so storing enough
	// documents to fill and overflow it forces a reclaim of the first.
	s, err := New(revcache.Config{DefaultChunkSize: 4096, TotalTargetSize: 4096}, testRevisionIDOf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := uint64(0); i < 40; i++ {
		body := bytes.Repeat([]byte{1}, 92) // +8 byte revision id header = 100 bytes
		if err := s.Put(i, 1, testPayload(i, string(body))); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if _, err := s.Get(0); !errors.Is(err, revcache.ErrEvicted) {
		t.Fatalf("Get(0) after eviction = %v, want ErrEvicted", err)
	}
	if _, ok := s.Positions().Lookup(0); ok {
		t.Fatal("evicted revision's position record should have been removed")
	}
}

func TestStoreInvalidate(t *testing.T) {
	s, err := New(revcache.Config{DefaultChunkSize: 4096, TotalTargetSize: 1 << 20}, testRevisionIDOf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Put(1, 1, testPayload(1, "x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Invalidate(1)
	if _, err := s.Get(1); !errors.Is(err, revcache.ErrEvicted) {
		t.Fatalf("Get after Invalidate = %v, want ErrEvicted", err)
	}
}
