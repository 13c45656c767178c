// Package cache provides a generic, thread-safe TTL cache with built-in
// statistics. Entries expire a fixed time after they were last set; a
// background goroutine bound to the caller's context sweeps expired entries.
package cache

import (
	"github.com/c360/dbusbridge/errors"
)

// Cache is a string-keyed cache of V values
type Cache[V any] interface {
	// Get returns the value for key unless it is missing or expired.
	Get(key string) (V, bool)

	// Set stores value under key. It reports whether the key was new.
	Set(key string, value V) (bool, error)

	// Delete removes key. It reports whether the key existed.
	Delete(key string) (bool, error)

	// Clear removes every entry.
	Clear() error

	// Size is the number of stored entries, expired or not.
	Size() int

	// Keys lists the keys of unexpired entries.
	Keys() []string

	// Stats returns the cache counters.
	Stats() *Statistics

	// Close stops background cleanup and drops every entry.
	Close() error
}

// EvictCallback is called with each entry removed by expiry, Delete or Clear
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
