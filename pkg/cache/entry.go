package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Entry represents a cached response body.
type Entry struct {
	// URI is the full request URI; not unique on its own
	URI string `json:"uri"`

	// Fingerprint is the parameter digest (FingerprintLength hex characters)
	Fingerprint string `json:"fingerprint"`

	// Content is the serialized response body (JSON)
	Content string `json:"content"`
}

// Key returns the lookup key of the entry.
func (e Entry) Key() Key {
	return Key{URI: e.URI, Fingerprint: e.Fingerprint}
}

// Validate checks that the entry can be stored.
func (e Entry) Validate() error {
	if len(e.Fingerprint) != FingerprintLength {
		return fmt.Errorf("%w: fingerprint must be %d characters (got %d)",
			ErrInvalidEntry, FingerprintLength, len(e.Fingerprint))
	}
	return nil
}

// Store persists cache entries.
//
// Implementations are not safe for concurrent writers; a Session owns its
// Store and uses it from one goroutine at a time.
type Store interface {
	// Lookup returns the content stored under key, or ErrCacheMiss.
	Lookup(ctx context.Context, key Key) (string, error)

	// Insert appends an entry. It does not check for existing keys.
	Insert(ctx context.Context, entry Entry) error

	// Close releases the underlying connection.
	Close() error
}
