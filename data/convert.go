package data

import (
	"bufio"
	"fmt"
	"os"
)

// Convert rewrites a libfm text dataset into the recordio container, one
// frame per example line. Workers reading recordio realign on frame magic
// after byte splits, which makes partitioned reads cheaper than scanning
// text for newlines.
func Convert(dataIn, dataOut string) error {
	rd, err := NewReader(dataIn, "libfm", 0, 1, 1<<20)
	if err != nil {
		return err
	}
	defer rd.Close()

	f, err := os.Create(dataOut)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)

	for rd.Next() {
		blk := rd.Value()
		for i := 0; i < blk.Size; i++ {
			if err := WriteRecord(bw, formatExample(blk, i)); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := rd.Err(); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// formatExample renders row i of a block back into libfm text.
func formatExample(blk *RowBlock[uint64], i int) []byte {
	out := fmt.Sprintf("%g", blk.Label[i])
	for j := blk.Offset[i]; j < blk.Offset[i+1]; j++ {
		if blk.Field != nil {
			out += fmt.Sprintf("\t%d:%d:%g", blk.Field[j], blk.Index[j], blk.Value[j])
		} else if blk.Value != nil {
			out += fmt.Sprintf("\t%d:%g", blk.Index[j], blk.Value[j])
		} else {
			out += fmt.Sprintf("\t%d", blk.Index[j])
		}
	}
	return []byte(out)
}
