package tile

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/widefm/widefm/blobstore"
)

// Store persists tiles in a blob store and serves them back with optional
// prefetching. Column maps stay in memory; they are rebuilt whenever the
// feature map changes, while the row data on disk never does.
type Store struct {
	blobs       blobstore.BlobStore
	compression Compression

	mu       sync.Mutex
	colmaps  map[key][]int32
	prefetch map[key]chan fetchResult

	sem *semaphore.Weighted
}

type key struct{ row, col int }

type fetchResult struct {
	raw []byte
	err error
}

// NewStore creates a tile store. maxPrefetch bounds concurrent background
// fetches.
func NewStore(blobs blobstore.BlobStore, c Compression, maxPrefetch int64) *Store {
	if maxPrefetch <= 0 {
		maxPrefetch = 4
	}
	return &Store{
		blobs:       blobs,
		compression: c,
		colmaps:     make(map[key][]int32),
		prefetch:    make(map[key]chan fetchResult),
		sem:         semaphore.NewWeighted(maxPrefetch),
	}
}

func blobName(row, col int) string {
	return fmt.Sprintf("tiles/%d_%d", row, col)
}

// Write persists a tile's row data and records its column map.
func (s *Store) Write(ctx context.Context, row, col int, t *Tile) error {
	payload, err := compress(s.compression, encode(t.Data))
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, blobName(row, col), payload); err != nil {
		return err
	}
	s.SetColMap(row, col, t.ColMap)
	return nil
}

// SetColMap replaces the in-memory column map of a tile.
func (s *Store) SetColMap(row, col int, colmap []int32) {
	s.mu.Lock()
	s.colmaps[key{row, col}] = colmap
	s.mu.Unlock()
}

// Prefetch starts loading a tile in the background so a following Fetch
// does not block on storage.
func (s *Store) Prefetch(ctx context.Context, row, col int) {
	k := key{row, col}
	s.mu.Lock()
	if _, ok := s.prefetch[k]; ok {
		s.mu.Unlock()
		return
	}
	ch := make(chan fetchResult, 1)
	s.prefetch[k] = ch
	s.mu.Unlock()

	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			ch <- fetchResult{err: err}
			return
		}
		defer s.sem.Release(1)
		raw, err := blobstore.ReadAll(ctx, s.blobs, blobName(row, col))
		ch <- fetchResult{raw: raw, err: err}
	}()
}

// Fetch returns a tile, waiting on its prefetch when one is pending.
func (s *Store) Fetch(ctx context.Context, row, col int) (*Tile, error) {
	k := key{row, col}
	s.mu.Lock()
	ch := s.prefetch[k]
	delete(s.prefetch, k)
	colmap := s.colmaps[k]
	s.mu.Unlock()

	var raw []byte
	var err error
	if ch != nil {
		select {
		case res := <-ch:
			raw, err = res.raw, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		raw, err = blobstore.ReadAll(ctx, s.blobs, blobName(row, col))
	}
	if err != nil {
		return nil, err
	}
	payload, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	blk, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return &Tile{Data: blk, ColMap: colmap}, nil
}
