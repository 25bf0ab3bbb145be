// Package cache provides persistent response caching keyed by request URI
// and parameter fingerprint.
//
// Entries are append-only: a (URI, fingerprint) pair is written once per
// cache miss and never updated, expired or evicted. Two backends implement
// the Store interface:
//
//   - SQLiteStore, an embedded single-table database file (the default)
//   - RedisStore, for sharing a cache between machines
//
// # Basic Usage
//
//	// Open the embedded store
//	store, err := cache.OpenSQLite("data/cached_responses.sqlite")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	// Build a key from the request URI and its parameters
//	key := cache.NewKey("https://api.example.com/items", map[string]any{"q": "a"})
//
//	// Lookup
//	content, err := store.Lookup(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from upstream, then store
//		err = store.Insert(ctx, cache.Entry{URI: key.URI, Fingerprint: key.Fingerprint, Content: body})
//	}
//
// # Data Directory Discovery
//
// OpenDiscovered walks upward from a start directory looking for a
// directory named "data" and opens data/cached_responses.sqlite inside it.
// It fails with ErrNoDataDir when the filesystem root is reached first.
//
// # Duplicate Keys
//
// Neither backend enforces uniqueness of (URI, fingerprint). When duplicates
// exist, Lookup returns the most recently inserted content.
//
// # Metrics
//
//   - requests_cacher_cache_hits_total{backend}
//   - requests_cacher_cache_misses_total{backend}
//   - requests_cacher_cache_writes_total{backend}
//   - requests_cacher_cache_errors_total{backend,operation}
package cache
