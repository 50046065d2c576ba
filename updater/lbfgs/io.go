package lbfgs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/widefm/widefm/feaid"
)

// Save writes the non-zero weights as (id, size=1, w) entries with no aux
// block, the same linear layout the bcd updater uses.
func (u *Updater) Save(w io.Writer, saveAux bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(0); err != nil {
		return err
	}
	for i, k := range u.feaids {
		if u.weights == nil || u.weights[i] == 0 {
			continue
		}
		if err := binary.Write(bw, binary.LittleEndian, k); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(1)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, u.weights[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load restores a model written by Save.
func (u *Updater) Load(r io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	br := bufio.NewReader(r)
	if _, err := br.ReadByte(); err == io.EOF {
		return nil
	} else if err != nil {
		return err
	}
	var keys []feaid.ID
	var weights []float32
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
		if size != 1 {
			return fmt.Errorf("lbfgs: model entry of size %d, want 1", size)
		}
		var w float32
		if err := binary.Read(br, binary.LittleEndian, &w); err != nil {
			return err
		}
		keys = append(keys, key)
		weights = append(weights, w)
	}
	u.feaids = keys
	u.weights = weights
	u.grads = make([]float32, len(keys))
	return nil
}

// Dump writes one "key<TAB>1<TAB>w" line per non-zero weight.
func (u *Updater) Dump(w io.Writer, dumpAux, needReverse bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	bw := bufio.NewWriter(w)
	for i, k := range u.feaids {
		if u.weights == nil || u.weights[i] == 0 {
			continue
		}
		key := k
		if needReverse {
			key = feaid.ReverseBytes(key)
		}
		val := strconv.FormatFloat(float64(u.weights[i]), 'g', -1, 32)
		if _, err := fmt.Fprintf(bw, "%d\t1\t%s\n", key, val); err != nil {
			return err
		}
	}
	return bw.Flush()
}
