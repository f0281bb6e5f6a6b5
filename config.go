package pdvu

import "time"

// Config holds the recognized tuning knobs for an Engine. Matching the
// teacher's preference for plain constructor arguments over a config-file
// loader, this is a plain struct with a defaulting constructor rather than
// a TOML/YAML/env-parsed configuration object.
type Config struct {
	// PoolSize is the number of worker goroutines rendering page bands in
	// parallel. Must be >= 1.
	PoolSize int

	// UseCache turns both LRU caches on or off. When false, neither cache
	// is consulted or written to.
	UseCache bool

	// DisplayListAdmissionThreshold is the minimum display-list build time
	// that causes the handle to be cached.
	DisplayListAdmissionThreshold time.Duration

	// PageCacheAdmissionThreshold is the minimum render time that causes a
	// rendered page to be cached.
	PageCacheAdmissionThreshold time.Duration

	// DisplayListCacheCapacity is the number of display lists the
	// display-list LRU holds.
	DisplayListCacheCapacity int

	// PageCacheCapacity is the number of rendered pages the page LRU
	// holds.
	PageCacheCapacity int
}

// DefaultConfig returns the spec-mandated defaults: a single worker,
// caching on, 100ms admission thresholds, and 10-entry cache capacities.
func DefaultConfig() Config {
	return Config{
		PoolSize:                      1,
		UseCache:                      true,
		DisplayListAdmissionThreshold: 100 * time.Millisecond,
		PageCacheAdmissionThreshold:   100 * time.Millisecond,
		DisplayListCacheCapacity:      10,
		PageCacheCapacity:             10,
	}
}
