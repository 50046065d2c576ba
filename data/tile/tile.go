// Package tile persists horizontal slices of localized training data for
// the batched learners.
//
// A tile is one row block plus the column map tying its packed column
// indices to positions in the global (post-filter) feature set; -1 marks a
// column the tail filter removed. Tiles are built once during the
// prepare-data phase, compressed into a blob store and fetched back every
// epoch, so the working set never has to fit in memory.
package tile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/widefm/widefm/data"
)

// Tile is one persisted slice of training data.
type Tile struct {
	Data   *data.RowBlock[uint32]
	ColMap []int32
}

const tileMagic uint32 = 0x7711f30e

// encode serializes a row block (without colmap, which lives in memory and
// changes when the feature map is rebuilt).
func encode(blk *data.RowBlock[uint32]) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	var hdr [24]byte
	le.PutUint32(hdr[0:], tileMagic)
	le.PutUint32(hdr[4:], uint32(blk.Size))
	le.PutUint32(hdr[8:], uint32(len(blk.Index)))
	flags := uint32(0)
	if blk.Value != nil {
		flags |= 1
	}
	if blk.Label != nil {
		flags |= 2
	}
	if blk.Weight != nil {
		flags |= 4
	}
	if blk.Field != nil {
		flags |= 8
	}
	le.PutUint32(hdr[12:], flags)
	buf.Write(hdr[:])

	binary.Write(&buf, le, blk.Offset)
	binary.Write(&buf, le, blk.Index)
	if blk.Value != nil {
		binary.Write(&buf, le, blk.Value)
	}
	if blk.Label != nil {
		binary.Write(&buf, le, blk.Label)
	}
	if blk.Weight != nil {
		binary.Write(&buf, le, blk.Weight)
	}
	if blk.Field != nil {
		binary.Write(&buf, le, blk.Field)
	}
	return buf.Bytes()
}

func decode(raw []byte) (*data.RowBlock[uint32], error) {
	le := binary.LittleEndian
	if len(raw) < 24 || le.Uint32(raw[0:]) != tileMagic {
		return nil, fmt.Errorf("tile: bad header")
	}
	size := int(le.Uint32(raw[4:]))
	nnz := int(le.Uint32(raw[8:]))
	flags := le.Uint32(raw[12:])
	rd := bytes.NewReader(raw[24:])

	blk := &data.RowBlock[uint32]{
		Size:   size,
		Offset: make([]int64, size+1),
		Index:  make([]uint32, nnz),
	}
	if err := binary.Read(rd, le, blk.Offset); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, le, blk.Index); err != nil {
		return nil, err
	}
	if flags&1 != 0 {
		blk.Value = make([]float32, nnz)
		if err := binary.Read(rd, le, blk.Value); err != nil {
			return nil, err
		}
	}
	if flags&2 != 0 {
		blk.Label = make([]float32, size)
		if err := binary.Read(rd, le, blk.Label); err != nil {
			return nil, err
		}
	}
	if flags&4 != 0 {
		blk.Weight = make([]float32, size)
		if err := binary.Read(rd, le, blk.Weight); err != nil {
			return nil, err
		}
	}
	if flags&8 != 0 {
		blk.Field = make([]int32, nnz)
		if err := binary.Read(rd, le, blk.Field); err != nil {
			return nil, err
		}
	}
	return blk, nil
}
