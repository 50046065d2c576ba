// Package tracker dispatches work to nodes and tracks it to completion.
//
// The scheduler owns a workload pool of numbered parts; each worker holds
// at most one part at a time and gets the next one as soon as it retires
// the previous. Parts held by dead or straggling workers return to the
// pool, so duplicate completions are possible and must be idempotent.
package tracker

import (
	"encoding/binary"
	"fmt"
	"math"
)

// JobType selects what a dispatched job does.
type JobType int

// Job types shared by all learners.
const (
	JobTrain JobType = iota + 1
	JobValidation
	JobPrediction
	JobLoadModel
	JobSaveModel
	JobEvaluation
	JobPrepareData
	JobInitServer
	JobInitWorker
	JobPushGradient
	JobPrepareCalcDirection
	JobCalcDirection
	JobLineSearch
	JobStop
)

// Job is the unit of work sent to a node. Value carries small numeric
// arguments or returns (a line-search step size, inner products).
type Job struct {
	Type     JobType
	Epoch    int
	PartIdx  int
	NumParts int
	Value    []float32
}

// Encode serializes the job little-endian: four int32 fields, a value
// count and the values.
func (j Job) Encode() []byte {
	buf := make([]byte, 0, 20+4*len(j.Value))
	var tmp [4]byte
	put := func(v int32) {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		buf = append(buf, tmp[:]...)
	}
	put(int32(j.Type))
	put(int32(j.Epoch))
	put(int32(j.PartIdx))
	put(int32(j.NumParts))
	put(int32(len(j.Value)))
	for _, v := range j.Value {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// DecodeJob parses a job produced by Encode.
func DecodeJob(b []byte) (Job, error) {
	if len(b) < 20 {
		return Job{}, fmt.Errorf("tracker: job payload of %d bytes", len(b))
	}
	get := func(i int) int32 {
		return int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	j := Job{
		Type:     JobType(get(0)),
		Epoch:    int(get(1)),
		PartIdx:  int(get(2)),
		NumParts: int(get(3)),
	}
	n := int(get(4))
	if len(b) != 20+4*n {
		return Job{}, fmt.Errorf("tracker: job payload of %d bytes, want %d", len(b), 20+4*n)
	}
	for i := 0; i < n; i++ {
		j.Value = append(j.Value, math.Float32frombits(binary.LittleEndian.Uint32(b[20+i*4:])))
	}
	return j, nil
}

// EncodeFloats packs a return vector.
func EncodeFloats(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloats unpacks a return vector.
func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("tracker: float payload of %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
