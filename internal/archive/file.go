// Package archive implements audit.Archive, the cold storage retention
// writes entries to before purging them. Objects are write-once: putting a
// key that already exists is an error.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/factoryos/auditledger/internal/audit"
)

// ErrObjectExists is returned when a key has already been written.
var ErrObjectExists = errors.New("archive object already exists")

const tempPrefix = ".tmp-"

// File stores archive objects under a local directory, one file per key.
type File struct {
	dir string
}

// NewFile creates dir if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file archive: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating archive directory %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Put writes data to a temp file in the target directory, syncs it and
// renames it into place, so a crash never leaves a partial object behind.
func (f *File) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := f.resolve(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive object %s: %w", key, err)
	}
	// Archived entries are about to be purged from the ledger.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing archive object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publishing archive object %s: %w", key, err)
	}
	return nil
}

func (f *File) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("archive object %s: %w", key, audit.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive object %s: %w", key, err)
	}
	return data, nil
}

// List returns every key starting with prefix, sorted.
func (f *File) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.dir, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing archive %s: %w", f.dir, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// resolve maps a slash-separated key to a path inside the archive
// directory. Keys that would escape it are rejected.
func (f *File) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean != "/"+key {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(f.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

var _ audit.Archive = (*File)(nil)
