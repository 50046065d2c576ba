// Package reporter carries training progress from workers and servers back
// to the scheduler.
//
// Progress merging is componentwise addition, so reports are associative,
// commutative and may arrive in any order; a dropped report never stalls
// training.
package reporter

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Progress is the fixed-layout progress record merged across nodes.
type Progress struct {
	NRows   float64
	Loss    float64
	AUC     float64
	Penalty float64
	NnzW    float64
}

// Merge adds other into p componentwise.
func (p *Progress) Merge(other Progress) {
	p.NRows += other.NRows
	p.Loss += other.Loss
	p.AUC += other.AUC
	p.Penalty += other.Penalty
	p.NnzW += other.NnzW
}

// Reset zeroes the record.
func (p *Progress) Reset() { *p = Progress{} }

// IsZero reports whether every component is zero.
func (p Progress) IsZero() bool { return p == Progress{} }

// TextString formats the record for the scheduler's console output.
func (p Progress) TextString() string {
	if p.NRows == 0 {
		return "rows = 0"
	}
	return fmt.Sprintf("rows = %.0f, loss = %.6f, auc = %.4f",
		p.NRows, p.Loss/p.NRows, p.AUC/p.NRows)
}

const encodedSize = 5 * 8

// Encode serializes the record to its little-endian wire form.
func (p Progress) Encode() []byte {
	buf := make([]byte, encodedSize)
	vals := [5]float64{p.NRows, p.Loss, p.AUC, p.Penalty, p.NnzW}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// DecodeProgress parses a record produced by Encode. An empty payload
// decodes to the zero record.
func DecodeProgress(b []byte) (Progress, error) {
	if len(b) == 0 {
		return Progress{}, nil
	}
	if len(b) != encodedSize {
		return Progress{}, fmt.Errorf("reporter: progress payload of %d bytes, want %d", len(b), encodedSize)
	}
	var vals [5]float64
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return Progress{NRows: vals[0], Loss: vals[1], AUC: vals[2], Penalty: vals[3], NnzW: vals[4]}, nil
}
