package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLibFMLine(t *testing.T) {
	blk := &RowBlock[uint64]{}
	require.NoError(t, ParseLibFMLine("1\t1:0.5 3:1.5", blk))
	require.NoError(t, ParseLibFMLine("-1\t2:1.0", blk))
	require.NoError(t, blk.Validate())
	require.Equal(t, 2, blk.Size)
	require.Equal(t, []uint64{1, 3, 2}, blk.Index)
	require.Equal(t, []float32{0.5, 1.5, 1.0}, blk.Value)
	require.Equal(t, []float32{1, -1}, blk.Label)
	require.Nil(t, blk.Field)
}

func TestParseLibFMLineFields(t *testing.T) {
	blk := &RowBlock[uint64]{}
	require.NoError(t, ParseLibFMLine("1 0:7:1.0 2:9:2.0", blk))
	require.NoError(t, blk.Validate())
	require.Equal(t, []int32{0, 2}, blk.Field)
	require.Equal(t, []uint64{7, 9}, blk.Index)
}

func TestParseLibFMLineBare(t *testing.T) {
	blk := &RowBlock[uint64]{}
	require.NoError(t, ParseLibFMLine("1 4 8", blk))
	require.Equal(t, []uint64{4, 8}, blk.Index)

	require.Error(t, ParseLibFMLine("x 1:1", &RowBlock[uint64]{}))
}

func TestRowBlockSlice(t *testing.T) {
	blk := &RowBlock[uint64]{}
	require.NoError(t, ParseLibFMLine("1\t1:1 2:1", blk))
	require.NoError(t, ParseLibFMLine("-1\t3:1", blk))
	require.NoError(t, ParseLibFMLine("1\t4:1 5:1", blk))

	s := blk.Slice(1, 3)
	require.NoError(t, s.Validate())
	require.Equal(t, 2, s.Size)
	require.Equal(t, []int64{0, 1, 3}, s.Offset)
	require.Equal(t, []uint64{3, 4, 5}, s.Index)
	require.Equal(t, []float32{-1, 1}, s.Label)
}

func TestLocalizer(t *testing.T) {
	blk := &RowBlock[uint64]{}
	require.NoError(t, ParseLibFMLine("1\t30:1 10:1", blk))
	require.NoError(t, ParseLibFMLine("-1\t20:1 10:1", blk))

	var counts []float32
	out, feaids := Localizer{}.Compact(blk, &counts)
	require.Equal(t, []uint64{10, 20, 30}, feaids)
	require.Equal(t, []float32{2, 1, 1}, counts)
	require.NoError(t, out.Validate())

	// feaids[out.Index[j]] must recover the original ID.
	for j, idx := range out.Index {
		require.Equal(t, blk.Index[j], feaids[idx])
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReaderSinglePart(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "train.libfm", "1\t1:1 2:1\n-1\t2:1 3:1\n1\t1:1 3:1\n")

	r, err := NewReader(path, "libfm", 0, 1, 1<<20)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next())
	blk := r.Value()
	require.Equal(t, 3, blk.Size)
	require.False(t, r.Next())
	require.NoError(t, r.Err())
}

func TestReaderPartitionsCoverEachLineOnce(t *testing.T) {
	dir := t.TempDir()
	var content string
	for i := 0; i < 100; i++ {
		content += "1\t" + string(rune('0'+i%10)) + ":1\n"
	}
	path := writeFile(t, dir, "train.libfm", content)

	for _, parts := range []int{1, 2, 3, 7} {
		total := 0
		for p := 0; p < parts; p++ {
			r, err := NewReader(path, "libfm", p, parts, 1<<20)
			require.NoError(t, err)
			for r.Next() {
				total += r.Value().Size
			}
			require.NoError(t, r.Err())
			r.Close()
		}
		require.Equal(t, 100, total, "parts=%d", parts)
	}
}

func TestRecordIORoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.rec")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteRecord(f, []byte("1\t1:1 2:1")))
	require.NoError(t, WriteRecord(f, []byte("-1\t3:1")))
	require.NoError(t, f.Close())

	r, err := NewReader(path, "rec", 0, 1, 1<<20)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Next())
	require.Equal(t, 2, r.Value().Size)
	require.NoError(t, r.Err())
}

func TestBatchReader(t *testing.T) {
	dir := t.TempDir()
	var content string
	for i := 0; i < 10; i++ {
		content += "1\t1:1\n"
	}
	path := writeFile(t, dir, "train.libfm", content)

	r, err := NewReader(path, "libfm", 0, 1, 1<<20)
	require.NoError(t, err)
	br := NewBatchReader(r, 4, 1, 1, 0)
	defer br.Close()

	sizes := []int{}
	for br.Next() {
		sizes = append(sizes, br.Value().Size)
	}
	require.Equal(t, []int{4, 4, 2}, sizes)
	require.NoError(t, br.Err())
}

func TestBatchReaderNegSampling(t *testing.T) {
	dir := t.TempDir()
	var content string
	for i := 0; i < 200; i++ {
		content += "-1\t1:1\n"
	}
	path := writeFile(t, dir, "train.libfm", content)

	r, err := NewReader(path, "libfm", 0, 1, 1<<20)
	require.NoError(t, err)
	br := NewBatchReader(r, 1000, 1, 0.25, 42)
	defer br.Close()

	kept := 0
	for br.Next() {
		kept += br.Value().Size
	}
	require.Greater(t, kept, 20)
	require.Less(t, kept, 120)
}
