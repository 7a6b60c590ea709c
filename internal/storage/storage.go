// Package storage defines the keyed record/log store the registry and event
// log persist through, plus filesystem and in-memory implementations.
//
// Keys are slash-separated relative paths such as
// "TASK-20250101-120000-abcd1234/AGENT_REGISTRY.json". Records are replaced
// whole; logs are append-only sequences of lines.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrNotFound = errors.New("record not found")

// UpdateFunc receives the current record (nil when missing) and returns the
// replacement. Returning an error, or a nil replacement, leaves the record
// untouched.
type UpdateFunc func(current []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Update runs fn while holding an exclusive lock on key; concurrent
	// Updates on the same key serialize, across processes where the
	// implementation supports it.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Append(ctx context.Context, key string, line []byte) error
	ReadLog(ctx context.Context, key string) ([][]byte, error)
	// List returns the keys directly under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// CleanKey validates a key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return cleaned, nil
}

func cleanPrefix(prefix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return "", nil
	}
	return CleanKey(prefix)
}
