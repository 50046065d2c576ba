package data

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/widefm/widefm/feaid"
)

// Reader streams a partition of a dataset as row blocks of roughly
// chunkSize bytes each.
//
// The URI may name a file, a directory (all regular files inside, sorted),
// or a comma-separated list of either. The concatenated byte range is split
// evenly into numParts partitions; partition boundaries are realigned to
// line starts so every example is read exactly once across all parts.
type Reader struct {
	format    string
	chunkSize int
	reverse   bool

	segments []segment
	seg      int
	rd       *bufio.Reader
	file     *os.File
	remain   int64 // bytes left in the current segment

	block *RowBlock[uint64]
	err   error
}

type segment struct {
	path       string
	begin, end int64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReverseIDs makes the reader spread parsed feature IDs over the key
// space with feaid.ReverseBytes, so range-sharding across servers stays
// balanced. A model dump reverses them back.
func WithReverseIDs() ReaderOption {
	return func(r *Reader) { r.reverse = true }
}

// NewReader opens partition partIdx of numParts over uri.
func NewReader(uri, format string, partIdx, numParts, chunkSize int, opts ...ReaderOption) (*Reader, error) {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	files, err := expandURI(uri)
	if err != nil {
		return nil, err
	}
	segs, err := partition(files, partIdx, numParts)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		format:    format,
		chunkSize: chunkSize,
		segments:  segs,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func expandURI(uri string) ([]string, error) {
	var files []string
	for _, part := range strings.Split(uri, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		info, err := os.Stat(part)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		if !info.IsDir() {
			files = append(files, part)
			continue
		}
		entries, err := os.ReadDir(part)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		var names []string
		for _, e := range entries {
			if e.Type().IsRegular() {
				names = append(names, filepath.Join(part, e.Name()))
			}
		}
		sort.Strings(names)
		files = append(files, names...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("data: no input files under %q", uri)
	}
	return files, nil
}

// partition splits the concatenated byte range of files into numParts and
// returns the per-file segments of part partIdx. Boundaries are raw byte
// offsets here; alignment to line starts happens at read time.
func partition(files []string, partIdx, numParts int) ([]segment, error) {
	if partIdx < 0 || partIdx >= numParts {
		return nil, fmt.Errorf("data: part %d out of %d", partIdx, numParts)
	}
	var sizes []int64
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		sizes = append(sizes, info.Size())
		total += info.Size()
	}
	lo := total * int64(partIdx) / int64(numParts)
	hi := total * int64(partIdx+1) / int64(numParts)

	var segs []segment
	var off int64
	for i, f := range files {
		fb, fe := off, off+sizes[i]
		off = fe
		b, e := max64(lo, fb), min64(hi, fe)
		if b >= e {
			continue
		}
		segs = append(segs, segment{path: f, begin: b - fb, end: e - fb})
	}
	return segs, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Next reads the next chunk. It returns false at end of partition or on
// error; check Err afterwards.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	blk := &RowBlock[uint64]{}
	var consumed int
	for consumed < r.chunkSize {
		line, err := r.nextLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.err = err
			return false
		}
		consumed += len(line) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := r.parseInto(line, blk); err != nil {
			r.err = err
			return false
		}
	}
	if blk.Size == 0 {
		return false
	}
	r.block = blk
	return true
}

func (r *Reader) parseInto(line []byte, blk *RowBlock[uint64]) error {
	switch r.format {
	case "", "libfm", "rec":
	default:
		return fmt.Errorf("data: unknown format %q", r.format)
	}
	prevNNZ := len(blk.Index)
	if err := ParseLibFMLine(string(line), blk); err != nil {
		return err
	}
	if r.reverse {
		for j := prevNNZ; j < len(blk.Index); j++ {
			blk.Index[j] = feaid.ReverseBytes(blk.Index[j])
		}
	}
	return nil
}

// nextLine returns the next complete line of the partition, advancing
// through segments as needed.
func (r *Reader) nextLine() ([]byte, error) {
	for {
		if r.rd == nil {
			if r.seg >= len(r.segments) {
				return nil, io.EOF
			}
			if err := r.openSegment(r.segments[r.seg]); err != nil {
				return nil, err
			}
		}
		if r.remain <= 0 {
			r.closeSegment()
			r.seg++
			continue
		}
		if r.format == "rec" {
			rec, n, err := readRecord(r.rd)
			if err == io.EOF {
				r.remain = 0
				continue
			}
			if err != nil {
				return nil, err
			}
			r.remain -= int64(n)
			return rec, nil
		}
		line, err := r.rd.ReadBytes('\n')
		if len(line) > 0 {
			r.remain -= int64(len(line))
			return bytes.TrimRight(line, "\n"), nil
		}
		if err == io.EOF {
			r.remain = 0
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *Reader) openSegment(s segment) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	// A partition owns the lines that start inside [begin, end). Seek one
	// byte back and discard through the first newline so a line starting
	// exactly at begin is kept while one straddling it is left to the
	// previous partition.
	begin := s.begin
	if begin > 0 && r.format != "rec" {
		begin--
	}
	rd := bufio.NewReaderSize(f, 1<<16)
	if _, err := f.Seek(begin, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("data: %w", err)
	}
	rd.Reset(f)
	remain := s.end - begin
	if begin != s.begin {
		skipped, err := rd.ReadBytes('\n')
		if err != nil && err != io.EOF {
			f.Close()
			return fmt.Errorf("data: %w", err)
		}
		remain -= int64(len(skipped))
	}
	r.file = f
	r.rd = rd
	r.remain = remain
	return nil
}

func (r *Reader) closeSegment() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.rd = nil
}

// Value returns the row block read by the last successful Next.
func (r *Reader) Value() *RowBlock[uint64] { return r.block }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	r.closeSegment()
	return nil
}
