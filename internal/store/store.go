// Package store provides the durable key-value blob store backing the
// function registry: metadata records, versioned source artifacts,
// pre-compiled artifacts, and source maps.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates the requested key has no value.
var ErrKeyNotFound = errors.New("key not found")

// BlobStore is the minimal KV contract the registry needs. Values are
// immutable once written except for the metadata and active-pointer
// keys, which the registry overwrites under its per-function lock.
type BlobStore interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Keyspace layout. The registry writes artifact keys before publishing
// the metadata key so a reader that observes a new active version is
// guaranteed to find its artifacts.
func MetaKey(id string) string { return "meta:" + id }

// CodeKey addresses the source artifact of one version.
func CodeKey(id, version string) string { return fmt.Sprintf("code:%s:%s", id, version) }

// CompiledKey addresses the pre-compiled artifact of one version.
func CompiledKey(id, version string) string { return fmt.Sprintf("code:%s:%s:compiled", id, version) }

// SourceMapKey addresses the source map of one version.
func SourceMapKey(id, version string) string { return fmt.Sprintf("code:%s:%s:map", id, version) }

// ActiveCodeKey is the convenience pointer to the active version's
// source, written atomically with the metadata update.
func ActiveCodeKey(id string) string { return "code:" + id }

// FunctionPrefix covers every artifact key belonging to a function id.
func FunctionPrefix(id string) string { return "code:" + id }
