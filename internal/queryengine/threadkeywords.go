package queryengine

// ThreadKeywords is the memoized per-thread keyword aggregation used by
// Email's allInThreadHaveKeyword/someInThreadHaveKeyword/
// noneInThreadHaveKeyword predicates (spec §4.6). It is built once per
// query (via Storage.GetOrCompute) by a single linear pass over the
// active rows in any stable order: O(rows × keywords).
type ThreadKeywords struct {
	all  map[string]map[string]bool // threadID -> keyword -> present on every seen row so far
	some map[string]map[string]bool // threadID -> keyword -> present on at least one seen row
}

// BuildThreadKeywords aggregates keyword presence per thread across rows.
// threadOf and keywordsOf extract the thread id and keyword set of a row.
func BuildThreadKeywords[T any](rows []T, threadOf func(T) string, keywordsOf func(T) map[string]bool) *ThreadKeywords {
	tk := &ThreadKeywords{
		all:  make(map[string]map[string]bool),
		some: make(map[string]map[string]bool),
	}

	seenKeywords := make(map[string]map[string]bool) // threadID -> every keyword ever seen on that thread
	rowsSeen := make(map[string]int)                 // threadID -> rows of that thread processed so far

	for _, row := range rows {
		thread := threadOf(row)
		if thread == "" {
			continue
		}
		keywords := keywordsOf(row)

		if tk.all[thread] == nil {
			tk.all[thread] = make(map[string]bool)
			tk.some[thread] = make(map[string]bool)
			seenKeywords[thread] = make(map[string]bool)
		}

		// "all" must drop to false for any keyword this row lacks but a
		// prior row of the thread had.
		for kw := range seenKeywords[thread] {
			if !keywords[kw] {
				tk.all[thread][kw] = false
			}
		}

		for kw := range keywords {
			seenKeywords[thread][kw] = true
			tk.some[thread][kw] = true
			if _, seen := tk.all[thread][kw]; !seen {
				// A keyword first met after earlier rows of the thread
				// was absent from those rows.
				tk.all[thread][kw] = rowsSeen[thread] == 0
			}
		}
		rowsSeen[thread]++
	}

	return tk
}

// All reports whether every row seen so far in thread has keyword.
func (tk *ThreadKeywords) All(thread, keyword string) bool {
	return tk.all[thread][keyword]
}

// Some reports whether at least one row seen in thread has keyword.
func (tk *ThreadKeywords) Some(thread, keyword string) bool {
	return tk.some[thread][keyword]
}

// None reports whether no row seen in thread has keyword.
func (tk *ThreadKeywords) None(thread, keyword string) bool {
	return !tk.Some(thread, keyword)
}
