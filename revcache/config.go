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
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Logger is the minimal logging interface Cache needs. *log.Logger
// satisfies it, as does any structured logger with a Printf method.
type Logger interface {
	Printf(f string, args ...interface{})
}

// MinChunkSize is the smallest chunk capacity the cache will ever
// allocate, per spec.md §3 ("capacity: bytes; >= 1 KiB").
const MinChunkSize = 1024

// DefaultChunkSize is used whenever Config.DefaultChunkSize is left at
// its zero value.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Config holds the tunables for a Cache. Apart from EvictionCallback,
// which New requires, every field may be left at its zero value: New
// fills in defaults for it, in the same spirit as the teacher's
// tenant.Manager defaulting in NewManager.
type Config struct {
	// DefaultChunkSize is the capacity given to a freshly allocated
	// chunk that isn't being sized specifically for one oversized
	// entry. Must be >= MinChunkSize; values below that are rounded
	// up.
	DefaultChunkSize int64 `json:"defaultChunkSize,omitempty"`

	// TotalTargetSize is the soft cap on the sum of chunk capacities.
	// GC engages once total allocation meets or exceeds this value.
	// If zero, New derives a value from total system memory, the way
	// the teacher's root meminfo.go/tenant.go derive CacheLimit.
	TotalTargetSize int64 `json:"totalTargetSize,omitempty"`

	// EvictionCallback is invoked once per entry in every chunk the
	// cache reclaims. It must not be nil (New returns an error if it
	// is), and it must never re-enter the Cache (see Chunk's doc
	// comment and Cache.garbageCollect).
	EvictionCallback EvictionCallback `json:"-"`

	// Logger receives lifecycle diagnostics (chunk allocation, GC
	// sweeps). If nil, logging is disabled, matching the teacher's
	// Cache.Logger/errorf convention in tenant/dcache/cache.go.
	Logger Logger `json:"-"`
}

// LoadConfig reads a YAML document (sigs.k8s.io/yaml, so plain JSON
// also parses) from path and decodes it into a Config. EvictionCallback
// and Logger are never part of the serialized form and must be set by
// the caller after loading.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("revcache: reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("revcache: parsing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.DefaultChunkSize < MinChunkSize {
		if c.DefaultChunkSize == 0 {
			c.DefaultChunkSize = DefaultChunkSize
		} else {
			c.DefaultChunkSize = MinChunkSize
		}
	}
	if c.TotalTargetSize <= 0 {
		c.TotalTargetSize = defaultTargetSize(c.DefaultChunkSize)
	}
}

func (c *Config) errorf(f string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(f, args...)
	}
}

// defaultMinChunks is how many default-sized chunks the derived target
// must be able to hold, so a tiny container (or a memTotal read
// failure) never produces a target too small to make forward progress.
const defaultMinChunks = 16

// defaultTargetSizeFraction is the fraction of total system memory
// budgeted to the cache when Config.TotalTargetSize is left unset,
// mirroring the teacher's memTotal-derived CacheLimit in tenant.go.
const defaultTargetSizeFraction = 32

func defaultTargetSize(chunkSize int64) int64 {
	floor := chunkSize * defaultMinChunks
	total := memTotal()
	if total == 0 {
		return floor
	}
	derived := total / defaultTargetSizeFraction
	if derived < floor {
		return floor
	}
	return derived
}
