// Package updater defines the server-side model: the state kept per feature
// and the rule that applies pushed values to it.
//
// One updater implementation exists per optimizer family (sgd, bcd, lbfgs).
// The parameter store invokes Update on every push and Get on every pull;
// the value kind selects what flows: feature counts, model weights or
// gradients.
package updater

import (
	"errors"
	"io"

	"github.com/widefm/widefm/feaid"
	"github.com/widefm/widefm/reporter"
)

// ErrKind is returned when an updater receives a value kind it does not
// handle.
var ErrKind = errors.New("updater: unhandled value kind")

// ValueKind tags the payload of a push or pull.
type ValueKind int

const (
	// KFeaCount carries per-feature appearance counts.
	KFeaCount ValueKind = 1
	// KWeight carries model parameters.
	KWeight ValueKind = 2
	// KGradient carries gradients.
	KGradient ValueKind = 3
)

func (k ValueKind) String() string {
	switch k {
	case KFeaCount:
		return "feacount"
	case KWeight:
		return "weight"
	case KGradient:
		return "gradient"
	default:
		return "unknown"
	}
}

// Updater holds per-feature optimizer state on a server.
//
// Keys are always unique and sorted in increasing order. Get fills vals and
// lens; lens carries per-key value lengths and may come back empty when
// every value has the same implicit length. Update applies pushed values;
// for KGradient lens mirrors what the matching Get(KWeight) returned.
type Updater interface {
	Get(keys []feaid.ID, kind ValueKind, vals *[]float32, lens *[]int) error
	Update(keys []feaid.ID, kind ValueKind, vals []float32, lens []int) error

	// Load restores the model from its binary form; Save writes it,
	// optionally with the optimizer's auxiliary state. Dump writes the
	// readable text form, optionally reversing keys back to the original
	// feature IDs.
	Load(r io.Reader) error
	Save(w io.Writer, saveAux bool) error
	Dump(w io.Writer, dumpAux, needReverse bool) error

	// Report returns and resets the progress accumulated since the last
	// call.
	Report() reporter.Progress
}
