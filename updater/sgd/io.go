package sgd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/widefm/widefm/feaid"
)

// Binary model layout: one "has aux" byte, then per non-empty entry the
// feature ID (uint64), the value size (int32), V[size] and, with aux,
// Z[2*size]. Everything little-endian, read until EOF.

func (u *Updater) sortedKeys() []feaid.ID {
	keys := u.model.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Save writes every non-empty entry in key order.
func (u *Updater) Save(w io.Writer, saveAux bool) error {
	bw := bufio.NewWriter(w)
	aux := byte(0)
	if saveAux {
		aux = 1
	}
	if err := bw.WriteByte(aux); err != nil {
		return err
	}
	for _, k := range u.sortedKeys() {
		e, ok := u.model.Get(k)
		if !ok || !e.materialized() || e.nnz == 0 {
			continue
		}
		if err := binary.Write(bw, binary.LittleEndian, k); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(len(e.v))); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, e.v); err != nil {
			return err
		}
		if saveAux {
			if err := binary.Write(bw, binary.LittleEndian, e.z); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Load restores entries written by Save. Entries without aux data get a
// fresh zero accumulator.
func (u *Updater) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	aux, err := br.ReadByte()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	loaded := 0
	for {
		var key feaid.ID
		if err := binary.Read(br, binary.LittleEndian, &key); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		var size int32
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			return err
		}
		if int(size) != u.featDim {
			return fmt.Errorf("sgd: model entry of size %d, configured for %d", size, u.featDim)
		}
		e := u.getOrInsert(key)
		e.mu.Lock()
		e.v = make([]float32, size)
		e.z = make([]float32, 2*size)
		if err := binary.Read(br, binary.LittleEndian, e.v); err != nil {
			e.mu.Unlock()
			return err
		}
		if aux == 1 {
			if err := binary.Read(br, binary.LittleEndian, e.z); err != nil {
				e.mu.Unlock()
				return err
			}
		}
		e.nnz = 0
		for _, v := range e.v {
			if v != 0 {
				e.nnz++
			}
		}
		if e.feaCnt == 0 {
			e.feaCnt = float32(u.cfg.VThreshold) + 1
		}
		e.mu.Unlock()
		loaded++
	}
	u.newW.Add(int64(loaded))
	return nil
}

// Dump writes one text line per non-empty entry:
// key<TAB>size<TAB>V...<TAB>[Z...]. With needReverse the stored keys are
// reversed back to the original feature IDs.
func (u *Updater) Dump(w io.Writer, dumpAux, needReverse bool) error {
	bw := bufio.NewWriter(w)
	for _, k := range u.sortedKeys() {
		e, ok := u.model.Get(k)
		if !ok || !e.materialized() || e.nnz == 0 {
			continue
		}
		key := k
		if needReverse {
			key = feaid.ReverseBytes(key)
		}
		if _, err := fmt.Fprintf(bw, "%d\t%d", key, len(e.v)); err != nil {
			return err
		}
		for _, v := range e.v {
			if _, err := bw.WriteString("\t" + formatF32(v)); err != nil {
				return err
			}
		}
		if dumpAux {
			for _, z := range e.z {
				if _, err := bw.WriteString("\t" + formatF32(z)); err != nil {
					return err
				}
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatF32(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}
