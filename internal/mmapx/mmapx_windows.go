//go:build windows

package mmapx

import (
	"io"
	"os"
)

// Windows builds fall back to reading the file into memory; the widefm
// data path only needs ReaderAt/Bytes semantics.
func mmap(f *os.File, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func munmap(data []byte) error { return nil }
