package data

import (
	"math/rand"
)

// BatchReader reads example-granular mini-batches on top of a chunked
// Reader, with optional shuffling and negative down-sampling.
//
// Shuffling keeps a ring of up to batchSize*shuffle examples and emits
// batches drawn uniformly from it, trading memory for decorrelation the way
// an external shuffle would. negSampling in (0,1) keeps each negative
// example with that probability.
type BatchReader struct {
	reader      *Reader
	batchSize   int
	bufSize     int
	negSampling float64
	rng         *rand.Rand

	pool  []example
	batch *RowBlock[uint64]
	done  bool
}

type example struct {
	label float32
	index []uint64
	value []float32
	field []int32
}

// NewBatchReader wraps a Reader. shuffle <= 1 disables shuffling;
// negSampling >= 1 disables down-sampling.
func NewBatchReader(r *Reader, batchSize, shuffle int, negSampling float64, seed int64) *BatchReader {
	bufSize := batchSize
	if shuffle > 1 {
		bufSize = batchSize * shuffle
	}
	return &BatchReader{
		reader:      r,
		batchSize:   batchSize,
		bufSize:     bufSize,
		negSampling: negSampling,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (b *BatchReader) fill() {
	for !b.done && len(b.pool) < b.bufSize {
		if !b.reader.Next() {
			b.done = true
			return
		}
		blk := b.reader.Value()
		for i := 0; i < blk.Size; i++ {
			if b.negSampling < 1 && blk.Label[i] <= 0 &&
				b.rng.Float64() >= b.negSampling {
				continue
			}
			ex := example{label: blk.Label[i]}
			lo, hi := blk.Offset[i], blk.Offset[i+1]
			ex.index = append(ex.index, blk.Index[lo:hi]...)
			if blk.Value != nil {
				ex.value = append(ex.value, blk.Value[lo:hi]...)
			}
			if blk.Field != nil {
				ex.field = append(ex.field, blk.Field[lo:hi]...)
			}
			b.pool = append(b.pool, ex)
		}
	}
}

// Next assembles the next mini-batch. It returns false when the partition
// is exhausted; check Err afterwards.
func (b *BatchReader) Next() bool {
	b.fill()
	if len(b.pool) == 0 {
		return false
	}
	n := b.batchSize
	if n > len(b.pool) {
		n = len(b.pool)
	}
	blk := &RowBlock[uint64]{}
	for i := 0; i < n; i++ {
		// Draw uniformly from the pool; the tail swap keeps removal O(1).
		j := i
		if b.bufSize > b.batchSize {
			j = i + b.rng.Intn(len(b.pool)-i)
		}
		b.pool[i], b.pool[j] = b.pool[j], b.pool[i]
		ex := b.pool[i]
		blk.PushRow(ex.label, ex.index, ex.value, ex.field)
	}
	b.pool = b.pool[n:]
	b.batch = blk
	return true
}

// Value returns the batch assembled by the last successful Next.
func (b *BatchReader) Value() *RowBlock[uint64] { return b.batch }

// Err returns the first error encountered by the underlying reader.
func (b *BatchReader) Err() error { return b.reader.Err() }

// Close closes the underlying reader.
func (b *BatchReader) Close() error { return b.reader.Close() }
