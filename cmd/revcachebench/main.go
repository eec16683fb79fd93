// Copyright (C) 2023 Sneller, Inc.
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

// Command revcachebench drives a revcache.Cache with many concurrent
// writer and reader goroutines and reports throughput plus the cache's
// lifetime counters, to make it easy to see the effect of the
// -chunksize/-target/-writers/-readers knobs on eviction pressure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocbase/revcache/revcache"
)

func fatalf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func main() {
	chunkSize := flag.Int64("chunksize", revcache.DefaultChunkSize, "chunk capacity in bytes")
	targetSize := flag.Int64("target", 64<<20, "total cache size budget in bytes")
	entrySize := flag.Int("entrysize", 512, "payload size per stored entry, in bytes")
	writers := flag.Int("writers", 8, "number of concurrent writer goroutines")
	readers := flag.Int("readers", 8, "number of concurrent lease-holding reader goroutines")
	duration := flag.Duration("duration", 3*time.Second, "how long to run")
	flag.Parse()

	var evicted int64
	cache, err := revcache.New(revcache.Config{
		DefaultChunkSize: *chunkSize,
		TotalTargetSize:  *targetSize,
		EvictionCallback: func(uint64, []byte) {
			atomic.AddInt64(&evicted, 1)
		},
	})
	if err != nil {
		fatalf("revcachebench: %v", err)
	}

	payload := make([]byte, *entrySize)
	rand.New(rand.NewSource(1)).Read(payload)

	stop := make(chan struct{})
	var stored, oom, leased int64
	var wg sync.WaitGroup

	for i := 0; i < *writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var collectionID uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := cache.Store(collectionID, payload)
				collectionID++
				switch {
				case err == nil:
					atomic.AddInt64(&stored, 1)
				case errors.Is(err, revcache.ErrOutOfMemory):
					atomic.AddInt64(&oom, 1)
				default:
					fatalf("revcachebench: unexpected Store error: %v", err)
				}
			}
		}(i)
	}

	for i := 0; i < *readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var collectionID uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, err := cache.StoreAndLease(collectionID, payload)
				collectionID++
				if err != nil {
					continue
				}
				atomic.AddInt64(&leased, 1)
				time.Sleep(time.Microsecond)
				r.Close()
			}
		}(i)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	stats := cache.Stats()
	fmt.Printf("stored=%d leased=%d outOfMemory=%d\n", stored, leased, oom)
	fmt.Printf("evictedEntries=%d reclaimedChunks=%d peakAllocated=%d avgEntrySize=%.1f\n",
		stats.EvictedEntries(), stats.ReclaimedChunks(), stats.PeakAllocated(), stats.AverageEntrySize())
	fmt.Printf("evictionCallbacks=%d finalAllocated=%d\n", evicted, cache.TotalAllocated())
}
