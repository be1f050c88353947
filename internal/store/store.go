// Package store provides artifact storage behind a uniform object-store
// contract, with a fallback composite that survives a single backend's
// outage. Callers never branch on which backend is healthy.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("object not found")

// Metadata describes a stored object without its bytes.
type Metadata struct {
	Key         string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}

// ObjectStore is the uniform storage contract. Implementations must be
// safe for concurrent use by multiple runs.
type ObjectStore interface {
	// Upload writes data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// Download returns the object's bytes, or ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a resolvable URL for the object.
	SignedURL(ctx context.Context, key string) (string, error)
	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// GetMetadata returns object metadata, or ErrNotFound.
	GetMetadata(ctx context.Context, key string) (Metadata, error)
	// List returns keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Name identifies the backend in logs.
	Name() string
}
