package queryengine

// ChangeRow is the minimal per-row view the query-changes engine needs:
// whether the row is currently "in" the query (active and filter-matching),
// its modseq (for detecting "changed since sinceQueryState"), and — for
// the collapsed/thread mode — its thread id. Rows must be supplied in the
// query's current sort order.
type ChangeRow struct {
	ID       string
	ModSeq   int64
	ThreadID string // empty in uncollapsed mode
	In       bool
}

// Added is one entry of a /queryChanges "added" list.
type Added struct {
	ID    string
	Index int
}

// ErrCannotCalculateChanges is returned when the number of changed rows
// exceeds maxChanges (spec §4.7).
type ErrCannotCalculateChanges struct{}

func (ErrCannotCalculateChanges) Error() string { return "cannotCalculateChanges" }

// Result is the outcome of a query-changes reconstruction.
type Result struct {
	Removed []string
	Added   []Added
	Total   int
}

// Uncollapsed implements spec §4.7's uncollapsed mode: for each row,
// isIn = active ∧ filter(row); total counts every row currently in. A
// row is "changed" if its modseq exceeds sinceQueryState. Every changed
// row emits removed; if it is also in, it additionally emits
// added{id, index: total-1} (computed as of the row's position in the
// running total at the time it is processed, i.e. its final index).
//
// upToID stops further reporting once reached (but total counting
// continues over all rows) — maxChanges bounds the number of changed
// rows reported before failing cannotCalculateChanges.
func Uncollapsed(rows []ChangeRow, sinceQueryState int64, maxChanges int, upToID string) (Result, error) {
	var result Result
	changed := 0
	reporting := true

	for _, row := range rows {
		if row.In {
			result.Total++
		}

		isChanged := row.ModSeq > sinceQueryState
		if isChanged {
			changed++
			if maxChanges > 0 && changed > maxChanges {
				return Result{}, ErrCannotCalculateChanges{}
			}
		}

		if reporting && isChanged {
			result.Removed = append(result.Removed, row.ID)
			if row.In {
				result.Added = append(result.Added, Added{ID: row.ID, Index: result.Total - 1})
			}
		}

		if upToID != "" && row.ID == upToID {
			reporting = false
		}
	}

	return result, nil
}

// Collapsed implements spec §4.7's thread-collapsed mode. It maintains,
// per thread, the current exemplar (the first in-filter row of the
// thread in sort order) and a "finished" flag marking threads whose
// previous exemplar we've proven we already know and may stop reporting
// on (set as soon as an unchanged-and-in row of that thread is seen —
// conservative per the spec's literal rule; see the Open Question this
// implementation deliberately preserves rather than "fixing").
func Collapsed(rows []ChangeRow, sinceQueryState int64, maxChanges int, upToID string) (Result, error) {
	var result Result
	changed := 0
	reporting := true

	exemplar := make(map[string]string) // threadID -> current exemplar msg id
	finished := make(map[string]bool)

	for _, row := range rows {
		if finished[row.ThreadID] {
			continue
		}

		isIn := row.In
		_, hasExemplar := exemplar[row.ThreadID]
		if isIn && !hasExemplar {
			exemplar[row.ThreadID] = row.ID
			result.Total++
		}

		isChanged := row.ModSeq > sinceQueryState
		if isChanged {
			changed++
			if maxChanges > 0 && changed > maxChanges {
				return Result{}, ErrCannotCalculateChanges{}
			}
		}

		isExemplar := exemplar[row.ThreadID] == row.ID

		if reporting {
			switch {
			case isChanged && isExemplar:
				result.Removed = append(result.Removed, row.ID)
				result.Added = append(result.Added, Added{ID: row.ID, Index: result.Total - 1})
			case isChanged && !isExemplar:
				result.Removed = append(result.Removed, row.ID)
			case !isChanged && isIn && isExemplar:
				// Unchanged current exemplar: nothing to report, client
				// already has it at the right place.
			case !isChanged && isIn && !isExemplar:
				result.Removed = append(result.Removed, row.ID)
			}
		}

		if !isChanged && isIn {
			// We've now proved what the previous exemplar of this thread
			// was (or wasn't); no later row of the thread can change the
			// client-visible state further at tolerable cost.
			finished[row.ThreadID] = true
		}

		if upToID != "" && row.ID == upToID {
			reporting = false
		}
	}

	return result, nil
}
