// Package store provides the key/value configuration document used to
// persist the install root and the node topology.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Document paths used by searchnode.
const (
	PathInstallRoot = "searchnode.install_root"
	PathTopology    = "searchnode.topology"
)

// Common store errors.
var (
	// ErrNotFound is returned when nothing is stored at a path.
	ErrNotFound = errors.New("document path not found")

	// ErrConcurrentModification is returned by SetVersioned when the stored
	// document's version no longer matches the expected one.
	ErrConcurrentModification = errors.New("document was modified by another writer")
)

// DocumentStore is a key/value configuration document addressed by
// dot-separated paths such as "searchnode.topology".
type DocumentStore interface {
	// Get decodes the value stored at path into out. It returns ErrNotFound
	// when the path is absent.
	Get(ctx context.Context, path string, out any) error
	// Set stores value at path, creating intermediate objects as needed.
	Set(ctx context.Context, path string, value any) error
	// SetVersioned stores value at path only if the document currently
	// stored there carries the expected top-level "version" field. An
	// absent document has version 0.
	SetVersioned(ctx context.Context, path string, expected int64, value any) error
	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
	// Close releases resources held by the store.
	Close() error
}

// SplitPath splits a dot path into its segments. Empty segments are invalid.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty document path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid document path %q", path)
		}
	}
	return parts, nil
}

// VersionOf extracts the top-level "version" field of an encoded document.
// Documents without one, and nil documents, have version 0.
func VersionOf(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v.Version
}
