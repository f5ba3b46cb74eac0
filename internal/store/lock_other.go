//go:build !unix

package store

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned when another process holds the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// DirLock is a no-op on platforms without flock.
type DirLock struct{}

// Lock only ensures dir exists.
func Lock(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &DirLock{}, nil
}

// Release is a no-op.
func (l *DirLock) Release() error { return nil }
