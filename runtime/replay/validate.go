package replay

import (
	"bytes"
	"reflect"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// Validation is the output comparison block of a replay result.
	Validation struct {
		OriginalHash    string `json:"original_hash"`
		ReplayHash      string `json:"replay_hash"`
		HashMatch       bool   `json:"hash_match"`
		StructuralMatch bool   `json:"structural_match"`
	}

	// Diff partitions divergent output keys.
	Diff struct {
		Added    map[string]any       `json:"added,omitempty"`
		Removed  map[string]any       `json:"removed,omitempty"`
		Modified map[string]ValuePair `json:"modified,omitempty"`
	}

	// ValuePair is one modified value.
	ValuePair struct {
		Original any `json:"original"`
		Replayed any `json:"replayed"`
	}
)

// Count returns the number of divergent keys across all partitions.
func (d *Diff) Count() int {
	return len(d.Added) + len(d.Removed) + len(d.Modified)
}

// computeValidation hashes both output documents canonically and runs the
// structural comparison.
func computeValidation(original, replayed map[string]any) (Validation, error) {
	oh, err := artifact.Hash(original)
	if err != nil {
		return Validation{}, err
	}
	rh, err := artifact.Hash(replayed)
	if err != nil {
		return Validation{}, err
	}
	return Validation{
		OriginalHash:    oh,
		ReplayHash:      rh,
		HashMatch:       oh == rh,
		StructuralMatch: structuralMatch(normalizeAny(original), normalizeAny(replayed)),
	}, nil
}

// structuralMatch compares shapes: objects match on an identical key set
// with matching value shapes, lists on length and element shapes, null only
// on null, and scalars on type.
func structuralMatch(original, replayed any) bool {
	switch o := original.(type) {
	case map[string]any:
		r, ok := replayed.(map[string]any)
		if !ok || len(o) != len(r) {
			return false
		}
		for k, ov := range o {
			rv, present := r[k]
			if !present || !structuralMatch(ov, rv) {
				return false
			}
		}
		return true
	case []any:
		r, ok := replayed.([]any)
		if !ok || len(o) != len(r) {
			return false
		}
		for i := range o {
			if !structuralMatch(o[i], r[i]) {
				return false
			}
		}
		return true
	case nil:
		return replayed == nil
	default:
		if replayed == nil {
			return false
		}
		return reflect.TypeOf(original) == reflect.TypeOf(replayed)
	}
}

// diffOutputs partitions the keys of two output documents into added,
// removed and modified.
func diffOutputs(original, replayed map[string]any) *Diff {
	d := &Diff{
		Added:    make(map[string]any),
		Removed:  make(map[string]any),
		Modified: make(map[string]ValuePair),
	}
	for k, rv := range replayed {
		ov, ok := original[k]
		if !ok {
			d.Added[k] = rv
			continue
		}
		if !valuesEqual(ov, rv) {
			d.Modified[k] = ValuePair{Original: ov, Replayed: rv}
		}
	}
	for k, ov := range original {
		if _, ok := replayed[k]; !ok {
			d.Removed[k] = ov
		}
	}
	return d
}

// valuesEqual compares two values by canonical bytes, so 1 and 1.0 compare
// equal the way they would after a storage round trip.
func valuesEqual(a, b any) bool {
	ab, errA := artifact.CanonicalJSON(a)
	bb, errB := artifact.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// normalizeAny nil-safes a map for structural comparison: a nil map and an
// absent document compare as the same shape.
func normalizeAny(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
