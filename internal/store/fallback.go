package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"webpilot/internal/logging"
)

// Fallback composes a primary and secondary store behind the ObjectStore
// contract. Reads and writes try the primary first and retry the same
// operation against the secondary on failure; a secondary success is a
// warning, never an error. Delete attempts both unconditionally and fails
// only if both do. Exists and List merge optimistically: primary wins,
// the secondary fills gaps.
type Fallback struct {
	primary   ObjectStore
	secondary ObjectStore
}

// NewFallback builds the composite.
func NewFallback(primary, secondary ObjectStore) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Name identifies the composite in logs.
func (f *Fallback) Name() string {
	return fmt.Sprintf("fallback(%s,%s)", f.primary.Name(), f.secondary.Name())
}

func (f *Fallback) warn(op, key string, err error) {
	logging.Get(logging.CategoryStore).Warn("primary store failed, using secondary",
		zap.String("op", op),
		zap.String("key", key),
		zap.String("primary", f.primary.Name()),
		zap.Error(err))
}

// Upload writes through the primary, falling back to the secondary.
func (f *Fallback) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	errPrimary := f.primary.Upload(ctx, key, data, contentType)
	if errPrimary == nil {
		return nil
	}
	f.warn("upload", key, errPrimary)
	if errSecondary := f.secondary.Upload(ctx, key, data, contentType); errSecondary != nil {
		return fmt.Errorf("upload %s failed on both stores: primary: %v; secondary: %w",
			key, errPrimary, errSecondary)
	}
	return nil
}

// Download reads from the primary, falling back to the secondary. A key
// missing from the primary is also a fallback case: the object may have
// been written during a primary outage.
func (f *Fallback) Download(ctx context.Context, key string) ([]byte, error) {
	data, errPrimary := f.primary.Download(ctx, key)
	if errPrimary == nil {
		return data, nil
	}
	f.warn("download", key, errPrimary)
	data, errSecondary := f.secondary.Download(ctx, key)
	if errSecondary != nil {
		return nil, fmt.Errorf("download %s failed on both stores: primary: %v; secondary: %w",
			key, errPrimary, errSecondary)
	}
	return data, nil
}

// Delete attempts both stores unconditionally; an error surfaces only if
// both fail, so an object can always be removed from whichever store
// accepted it.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	errPrimary := f.primary.Delete(ctx, key)
	errSecondary := f.secondary.Delete(ctx, key)
	if errPrimary != nil && errSecondary != nil {
		return fmt.Errorf("delete %s failed on both stores: primary: %v; secondary: %w",
			key, errPrimary, errSecondary)
	}
	if errPrimary != nil {
		f.warn("delete", key, errPrimary)
	}
	return nil
}

// SignedURL resolves against the primary, falling back to the secondary.
func (f *Fallback) SignedURL(ctx context.Context, key string) (string, error) {
	url, errPrimary := f.primary.SignedURL(ctx, key)
	if errPrimary == nil {
		return url, nil
	}
	f.warn("signed_url", key, errPrimary)
	url, errSecondary := f.secondary.SignedURL(ctx, key)
	if errSecondary != nil {
		return "", fmt.Errorf("signed url %s failed on both stores: primary: %v; secondary: %w",
			key, errPrimary, errSecondary)
	}
	return url, nil
}

// Exists merges optimistically: true from either store wins.
func (f *Fallback) Exists(ctx context.Context, key string) (bool, error) {
	ok, errPrimary := f.primary.Exists(ctx, key)
	if errPrimary == nil && ok {
		return true, nil
	}
	if errPrimary != nil {
		f.warn("exists", key, errPrimary)
	}
	ok2, errSecondary := f.secondary.Exists(ctx, key)
	if errSecondary != nil {
		if errPrimary != nil {
			return false, fmt.Errorf("exists %s failed on both stores: primary: %v; secondary: %w",
				key, errPrimary, errSecondary)
		}
		return ok, nil
	}
	return ok || ok2, nil
}

// GetMetadata reads from the primary, falling back to the secondary.
func (f *Fallback) GetMetadata(ctx context.Context, key string) (Metadata, error) {
	meta, errPrimary := f.primary.GetMetadata(ctx, key)
	if errPrimary == nil {
		return meta, nil
	}
	f.warn("metadata", key, errPrimary)
	meta, errSecondary := f.secondary.GetMetadata(ctx, key)
	if errSecondary != nil {
		return Metadata{}, fmt.Errorf("metadata %s failed on both stores: primary: %v; secondary: %w",
			key, errPrimary, errSecondary)
	}
	return meta, nil
}

// List merges both stores' keys; primary order wins, secondary fills gaps.
func (f *Fallback) List(ctx context.Context, prefix string) ([]string, error) {
	primaryKeys, errPrimary := f.primary.List(ctx, prefix)
	if errPrimary != nil {
		f.warn("list", prefix, errPrimary)
	}
	secondaryKeys, errSecondary := f.secondary.List(ctx, prefix)
	if errPrimary != nil && errSecondary != nil {
		return nil, fmt.Errorf("list %s failed on both stores: primary: %v; secondary: %w",
			prefix, errPrimary, errSecondary)
	}

	seen := make(map[string]bool, len(primaryKeys))
	merged := make([]string, 0, len(primaryKeys)+len(secondaryKeys))
	for _, k := range primaryKeys {
		seen[k] = true
		merged = append(merged, k)
	}
	for _, k := range secondaryKeys {
		if !seen[k] {
			merged = append(merged, k)
		}
	}
	return merged, nil
}
