package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widefm/widefm/internal/fsx"
)

func stores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("model shard zero")

			w, err := s.Create(ctx, "models/final_part-0")
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			b, err := s.Open(ctx, "models/final_part-0")
			require.NoError(t, err)
			require.Equal(t, int64(len(data)), b.Size())
			buf := make([]byte, 5)
			_, err = b.ReadAt(buf, 0)
			require.NoError(t, err)
			require.Equal(t, "model", string(buf))
			require.NoError(t, b.Close())

			got, err := ReadAll(ctx, s, "models/final_part-0")
			require.NoError(t, err)
			require.Equal(t, data, got)

			names, err := s.List(ctx, "models/")
			require.NoError(t, err)
			require.Equal(t, []string{"models/final_part-0"}, names)

			require.NoError(t, s.Delete(ctx, "models/final_part-0"))
			require.NoError(t, s.Delete(ctx, "models/final_part-0"), "double delete")
			_, err = s.Open(ctx, "models/final_part-0")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalCreateIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	w, err := s.Create(ctx, "part-0")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)

	// Not visible before Close.
	_, err = s.Open(ctx, "part-0")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "part-0"))
	require.NoError(t, err)
}

func TestLocalWriteFaultLeavesNoBlob(t *testing.T) {
	dir := t.TempDir()
	ffs := fsx.NewFaultyFS(nil)
	ffs.SetFault("part-0", fsx.Fault{FailAfterBytes: 2, Err: errors.New("disk full")})
	s := NewLocalStoreFS(dir, ffs)
	ctx := context.Background()

	err := s.Put(ctx, "part-0", []byte("longer than two bytes"))
	require.Error(t, err)
	_, err = s.Open(ctx, "part-0")
	require.ErrorIs(t, err, ErrNotFound)
}
