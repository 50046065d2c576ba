package data

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLibFMLine parses one training example in libfm text form:
//
//	label <sep> (field:)fea_id(:value) ...
//
// where sep is a tab or spaces. Feature IDs are 64-bit unsigned, labels are
// real. A token with two colons is field:id:value, one colon is id:value,
// none is a bare id with implicit value 1.
func ParseLibFMLine(line string, out *RowBlock[uint64]) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	label, err := strconv.ParseFloat(fields[0], 32)
	if err != nil {
		return fmt.Errorf("libfm: bad label %q: %w", fields[0], err)
	}

	var (
		ids    []uint64
		vals   []float32
		fids   []int32
		hasVal bool
		hasFid bool
	)
	for _, tok := range fields[1:] {
		a, rest, cut1 := strings.Cut(tok, ":")
		switch {
		case !cut1:
			id, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return fmt.Errorf("libfm: bad feature %q: %w", tok, err)
			}
			ids = append(ids, id)
			vals = append(vals, 1)
			fids = append(fids, 0)
		default:
			b, c, cut2 := strings.Cut(rest, ":")
			if !cut2 {
				// id:value
				id, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					return fmt.Errorf("libfm: bad feature %q: %w", tok, err)
				}
				v, err := strconv.ParseFloat(b, 32)
				if err != nil {
					return fmt.Errorf("libfm: bad value %q: %w", tok, err)
				}
				ids = append(ids, id)
				vals = append(vals, float32(v))
				fids = append(fids, 0)
				hasVal = true
			} else {
				// field:id:value
				f, err := strconv.ParseInt(a, 10, 32)
				if err != nil {
					return fmt.Errorf("libfm: bad field %q: %w", tok, err)
				}
				id, err := strconv.ParseUint(b, 10, 64)
				if err != nil {
					return fmt.Errorf("libfm: bad feature %q: %w", tok, err)
				}
				v, err := strconv.ParseFloat(c, 32)
				if err != nil {
					return fmt.Errorf("libfm: bad value %q: %w", tok, err)
				}
				ids = append(ids, id)
				vals = append(vals, float32(v))
				fids = append(fids, int32(f))
				hasVal = true
				hasFid = true
			}
		}
	}

	var valArg []float32
	if hasVal {
		valArg = vals
	}
	var fidArg []int32
	if hasFid {
		fidArg = fids
	}
	// Blocks are homogeneous: once any row carried values or fields, every
	// row must, so backfill implicit ones.
	if out.Value != nil && valArg == nil {
		valArg = vals
	}
	if out.Field != nil && fidArg == nil {
		fidArg = fids
	}
	out.PushRow(float32(label), ids, valArg, fidArg)
	return nil
}
