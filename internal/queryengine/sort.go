package queryengine

import (
	"fmt"
	"sort"
)

// SortSpec is one entry of a /query sort list (spec §3).
type SortSpec struct {
	Property    string
	IsAscending bool
}

// KeyFunc computes the per-row sort key for one sort property, memoizing
// any derived computation (e.g. mailbox "parent/name") in storage. The
// second return value reports whether the key should be compared
// numerically (true) or lexically (false) (spec §4.6: "Domain
// comparators must distinguish numeric vs lexical order per field").
type KeyFunc[T any] func(row T, property string, storage *Storage) (key any, numeric bool, err error)

// IDFunc extracts the stable id used as the final tie-break key (spec
// §3: "Last implicit key is always id ascending for stability").
type IDFunc[T any] func(row T) string

// Sort orders rows in place according to specs, folded into a stable
// comparator with id-ascending as the final tie-break, and returns the
// first error encountered computing a sort key (if any).
func Sort[T any](rows []T, specs []SortSpec, storage *Storage, keyFn KeyFunc[T], idOf IDFunc[T]) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		cmp, err := compareRows(rows[i], rows[j], specs, storage, keyFn)
		if err != nil {
			sortErr = err
			return false
		}
		if cmp != 0 {
			return cmp < 0
		}
		return idOf(rows[i]) < idOf(rows[j])
	})
	return sortErr
}

// compareRows folds every sort spec into one ordering signal, the first
// non-zero per-field comparison deciding the order (reverse ordering
// flips the sign, spec §4.6).
func compareRows[T any](a, b T, specs []SortSpec, storage *Storage, keyFn KeyFunc[T]) (int, error) {
	for _, spec := range specs {
		keyA, numeric, err := keyFn(a, spec.Property, storage)
		if err != nil {
			return 0, err
		}
		keyB, _, err := keyFn(b, spec.Property, storage)
		if err != nil {
			return 0, err
		}

		cmp, err := compareKeys(keyA, keyB, numeric)
		if err != nil {
			return 0, err
		}
		if !spec.IsAscending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp, nil
		}
	}
	return 0, nil
}

func compareKeys(a, b any, numeric bool) (int, error) {
	if numeric {
		fa, ok := toFloat(a)
		if !ok {
			return 0, fmt.Errorf("sort key is not numeric: %v", a)
		}
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("sort key is not numeric: %v", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}

	sa := fmt.Sprintf("%v", a)
	sb := fmt.Sprintf("%v", b)
	switch {
	case sa < sb:
		return -1, nil
	case sa > sb:
		return 1, nil
	default:
		return 0, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
