package cache

import (
	"context"
	"errors"
	"time"
)

// ErrGenerationDeleted is returned when writing through a handle to a generation that has since been deleted.
var ErrGenerationDeleted = errors.New("cache generation deleted")

// Storage is the set of named cache generations, i.e. the cache storage of the site.
// It stores and retrieves []byte values, which represent HTTP responses,
// and must return exactly the bytes that were stored.
// Entries never expire; a generation is only ever removed as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Generation, error)
	// Has checks if a generation with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all generations, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the generation and all its entries.
	// It returns false if there was no such generation.
	// Handles to the generation that are still open become detached:
	// they do not match anything and writes fail with ErrGenerationDeleted.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks the key up in every generation, in creation order,
	// and returns the first entry found.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Close releases resources.
	Close() error
}

// Generation is a handle to a single named generation.
type Generation interface {
	Name() string
	// Match returns the entry stored under key, if any.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all of the entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all entries.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry stored under key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
