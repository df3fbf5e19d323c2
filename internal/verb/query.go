package verb

import (
	"github.com/jmap-core/dispatchd/internal/queryengine"
)

// ErrAnchorNotFound is returned when anchor names an id not present in
// the filtered+sorted candidate set (spec §4.4).
type ErrAnchorNotFound struct{ Anchor string }

func (e ErrAnchorNotFound) Error() string { return "anchorNotFound: " + e.Anchor }

// ErrInvalidArguments wraps a plain invalidArguments failure surfaced by
// the query engine (negative position, or both position and anchor set).
type ErrInvalidArguments struct{ Reason string }

func (e ErrInvalidArguments) Error() string { return "invalidArguments: " + e.Reason }

// QueryParams is one /query call's windowing arguments. Position and
// Anchor are mutually exclusive (spec §4.4); HasAnchor distinguishes
// "anchor omitted" from "anchor == zero value".
type QueryParams struct {
	Filter          map[string]any
	Sort            []queryengine.SortSpec
	Position        int
	HasPosition     bool
	Anchor          string
	HasAnchor       bool
	AnchorOffset    int
	Limit           int
	HasLimit        bool
	CollapseThreads bool
}

// QueryResult is the outcome of a /query call before the caller renders
// the response envelope.
type QueryResult struct {
	IDs      []string
	Total    int
	Position int
}

// Query implements the /query verb's algorithm (spec §4.4): load
// candidate rows, sort, filter, optionally collapse threads to their
// exemplar, then window to [start, start+limit).
func Query[T any](
	rows []T,
	params QueryParams,
	storage *queryengine.Storage,
	leaf queryengine.LeafPredicate[T],
	keyFn queryengine.KeyFunc[T],
	idOf queryengine.IDFunc[T],
	threadOf func(T) string, // nil for non-threaded types
) (QueryResult, error) {
	if params.HasPosition && params.HasAnchor {
		return QueryResult{}, ErrInvalidArguments{Reason: "position and anchor are mutually exclusive"}
	}
	if params.HasPosition && params.Position < 0 {
		return QueryResult{}, ErrInvalidArguments{Reason: "position must not be negative"}
	}

	sorted := make([]T, len(rows))
	copy(sorted, rows)
	if err := queryengine.Sort(sorted, params.Sort, storage, keyFn, idOf); err != nil {
		return QueryResult{}, err
	}

	var matched []T
	for _, row := range sorted {
		ok, err := queryengine.Evaluate(params.Filter, row, storage, leaf)
		if err != nil {
			return QueryResult{}, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if params.CollapseThreads && threadOf != nil {
		matched = collapseToExemplars(matched, threadOf)
	}

	total := len(matched)

	start := 0
	if params.HasAnchor {
		idx := indexOf(matched, params.Anchor, idOf)
		if idx < 0 {
			return QueryResult{}, ErrAnchorNotFound{Anchor: params.Anchor}
		}
		start = idx + params.AnchorOffset
		if start < 0 {
			start = 0
		}
	} else if params.HasPosition {
		start = params.Position
	}

	if start > total {
		start = total
	}

	end := total
	if params.HasLimit && params.Limit >= 0 {
		if start+params.Limit < end {
			end = start + params.Limit
		}
	}

	ids := make([]string, 0, end-start)
	for _, row := range matched[start:end] {
		ids = append(ids, idOf(row))
	}

	return QueryResult{IDs: ids, Total: total, Position: start}, nil
}

// collapseToExemplars keeps only the first occurrence (in current sort
// order) of each thread, i.e. the thread's exemplar (spec §3 glossary).
func collapseToExemplars[T any](rows []T, threadOf func(T) string) []T {
	seen := make(map[string]bool)
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		thread := threadOf(row)
		if thread != "" && seen[thread] {
			continue
		}
		if thread != "" {
			seen[thread] = true
		}
		out = append(out, row)
	}
	return out
}

func indexOf[T any](rows []T, id string, idOf queryengine.IDFunc[T]) int {
	for i, row := range rows {
		if idOf(row) == id {
			return i
		}
	}
	return -1
}
