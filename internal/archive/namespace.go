package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

var (
	// ErrNamespaceUnavailable is returned when the durable namespace cannot
	// be reached (unmounted, signed out, offline).
	ErrNamespaceUnavailable = errors.New("durable namespace unavailable")

	// ErrNameTaken is returned by CopyIn when another writer created the
	// name between the probe and the copy.
	ErrNameTaken = errors.New("name already exists in namespace")

	// ErrVerifyMismatch is returned by Verify when the archived copy does
	// not match the local file.
	ErrVerifyMismatch = errors.New("archived copy does not match local file")
)

// Namespace is the user's durable, user-visible storage area.
type Namespace interface {
	// Available returns ErrNamespaceUnavailable if the namespace cannot be
	// used right now.
	Available(ctx context.Context) error
	// Exists reports whether name is taken.
	Exists(ctx context.Context, name string) (bool, error)
	// CopyIn creates name from r. It never overwrites: an existing name
	// yields ErrNameTaken and a failed copy leaves nothing behind.
	CopyIn(ctx context.Context, name string, r io.Reader) (int64, error)
	// Verify reads name back and checks it against size and sha256 sum.
	Verify(ctx context.Context, name string, size int64, sum []byte) error
	// DiscardPartial removes name if its content is a strict prefix of
	// local, i.e. an interrupted copy of it, and reports whether it did.
	DiscardPartial(ctx context.Context, name string, local io.Reader) (bool, error)
}

// FsNamespace implements Namespace on an afero filesystem rooted at Root.
type FsNamespace struct {
	fs   afero.Fs
	root string
}

// NewFsNamespace returns a namespace for the directory root on fs. The
// directory is not created: a missing root means the namespace is not
// mounted.
func NewFsNamespace(fs afero.Fs, root string) *FsNamespace {
	return &FsNamespace{fs: fs, root: root}
}

// NewOsNamespace returns a namespace on the local filesystem.
func NewOsNamespace(root string) *FsNamespace {
	return NewFsNamespace(afero.NewOsFs(), root)
}

// Root returns the namespace directory.
func (n *FsNamespace) Root() string { return n.root }

func (n *FsNamespace) path(name string) string {
	return filepath.Join(n.root, filepath.Base(name))
}

// Available implements Namespace.
func (n *FsNamespace) Available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := n.fs.Stat(n.root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNamespaceUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNamespaceUnavailable, n.root)
	}
	return nil
}

// Exists implements Namespace.
func (n *FsNamespace) Exists(ctx context.Context, name string) (bool, error) {
	if err := n.Available(ctx); err != nil {
		return false, err
	}
	_, err := n.fs.Stat(n.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrNamespaceUnavailable, err)
}

// CopyIn implements Namespace.
func (n *FsNamespace) CopyIn(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := n.Available(ctx); err != nil {
		return 0, err
	}

	dst := n.path(name)
	f, err := n.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}

	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = n.fs.Remove(dst)
		return 0, fmt.Errorf("failed to copy to %s: %w", name, err)
	}
	return written, nil
}

// Verify implements Namespace.
func (n *FsNamespace) Verify(ctx context.Context, name string, size int64, sum []byte) error {
	if err := n.Available(ctx); err != nil {
		return err
	}

	f, err := n.fs.Open(n.path(name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	h := sha256.New()
	got, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", name, err)
	}
	if got != size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrVerifyMismatch, name, got, size)
	}
	if sum != nil && !bytes.Equal(h.Sum(nil), sum) {
		return fmt.Errorf("%w: %s checksum differs", ErrVerifyMismatch, name)
	}
	return nil
}

// DiscardPartial implements Namespace.
func (n *FsNamespace) DiscardPartial(ctx context.Context, name string, local io.Reader) (bool, error) {
	if err := n.Available(ctx); err != nil {
		return false, err
	}

	dst := n.path(name)
	f, err := n.fs.Open(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", name, err)
	}
	partial, err := isStrictPrefix(&ctxReader{ctx: ctx, r: f}, local)
	f.Close()
	if err != nil {
		return false, fmt.Errorf("failed to compare %s: %w", name, err)
	}
	if !partial {
		return false, nil
	}
	if err := n.fs.Remove(dst); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return true, nil
}

// isStrictPrefix reports whether everything in a matches the start of b
// and b has more.
func isStrictPrefix(a, b io.Reader) (bool, error) {
	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(a, bufA)
		if errA != nil && errA != io.EOF && errA != io.ErrUnexpectedEOF {
			return false, errA
		}
		nb, errB := io.ReadFull(b, bufB[:na])
		if errB != nil && errB != io.EOF && errB != io.ErrUnexpectedEOF {
			return false, errB
		}
		if nb != na || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA != nil {
			// a is exhausted; b must still have data.
			more, err := b.Read(bufB[:1])
			if more > 0 {
				return true, nil
			}
			if err != nil && err != io.EOF {
				return false, err
			}
			return false, nil
		}
	}
}

// ctxReader stops a long copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
