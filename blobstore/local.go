package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/widefm/widefm/internal/fsx"
	"github.com/widefm/widefm/internal/mmapx"
)

// LocalStore implements BlobStore on a directory of the local filesystem.
// Reads are memory-mapped; writes go through a temporary file and an
// atomic rename so a crashed save never leaves a half-written model.
type LocalStore struct {
	root string
	fs   fsx.FileSystem
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir, fs: fsx.Default}
}

// NewLocalStoreFS creates a store with an injected filesystem, used by
// tests to simulate I/O faults.
func NewLocalStoreFS(dir string, fs fsx.FileSystem) *LocalStore {
	return &LocalStore{root: dir, fs: fs}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open memory-maps the blob.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmapx.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Create opens a temporary file next to the target; Close renames it into
// place.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	path := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f, fs: s.fs, tmp: tmp, final: path}, nil
}

// Put writes the blob in one call. A failed write aborts the temporary
// file instead of publishing it.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	lw := w.(*localWritableBlob)
	if _, err := lw.Write(data); err != nil {
		lw.abort()
		return err
	}
	return lw.Close()
}

// Delete removes the blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fs.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List walks the root and returns slash-separated names under prefix.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasSuffix(name, ".tmp") {
			return nil
		}
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	sort.Strings(names)
	return names, err
}

type localBlob struct {
	m *mmapx.Mapping
}

func (b *localBlob) ReadAt(p []byte, off int64) (int, error) { return b.m.ReadAt(p, off) }
func (b *localBlob) Close() error                            { return b.m.Close() }
func (b *localBlob) Size() int64                             { return int64(len(b.m.Bytes())) }
func (b *localBlob) Bytes() ([]byte, error)                  { return b.m.Bytes(), nil }

type localWritableBlob struct {
	f     fsx.File
	fs    fsx.FileSystem
	tmp   string
	final string
}

func (b *localWritableBlob) Write(p []byte) (int, error) { return b.f.Write(p) }

// abort discards the temporary file without publishing.
func (b *localWritableBlob) abort() {
	b.f.Close()
	b.fs.Remove(b.tmp)
}

func (b *localWritableBlob) Close() error {
	if err := b.f.Sync(); err != nil {
		b.f.Close()
		b.fs.Remove(b.tmp)
		return err
	}
	if err := b.f.Close(); err != nil {
		b.fs.Remove(b.tmp)
		return err
	}
	return b.fs.Rename(b.tmp, b.final)
}
