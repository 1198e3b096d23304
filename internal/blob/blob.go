// Package blob provides the append-only object sink used by the backup
// worker to store database snapshots.
package blob

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime int64 // unix seconds
}

// Sink stores named blobs. Implementations must tolerate concurrent Put
// calls with distinct names.
type Sink interface {
	// Put streams r into the object named name, replacing any existing
	// object atomically.
	Put(ctx context.Context, name string, r io.Reader) error
	// Open returns a reader for the named object.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes the named object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, name string) error
	// List returns all objects whose name starts with prefix, oldest first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
