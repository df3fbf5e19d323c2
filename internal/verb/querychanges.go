package verb

import "github.com/jmap-core/dispatchd/internal/queryengine"

// ModSeqOf extracts the last-modified state token of a row, used by
// /queryChanges to decide whether a row changed since sinceQueryState.
type ModSeqOf[T any] func(T) int64

// QueryChanges reconstructs the delta between sinceQueryState and the
// current filtered+sorted data (spec §4.7). rows must be every row that
// is either currently in the query (inFunc reports true) or has changed
// since sinceQueryState — a row that left the filter's result set still
// needs to be present so its removal can be reported — sorted in the
// query's current order.
func QueryChanges[T any](
	rows []T,
	idOf queryengine.IDFunc[T],
	threadOf func(T) string, // nil for non-threaded types
	modSeqOf ModSeqOf[T],
	inFunc func(T) bool,
	sinceQueryState int64,
	maxChanges int,
	upToID string,
	collapseThreads bool,
) (queryengine.Result, error) {
	changeRows := make([]queryengine.ChangeRow, len(rows))
	for i, row := range rows {
		thread := ""
		if threadOf != nil {
			thread = threadOf(row)
		}
		changeRows[i] = queryengine.ChangeRow{
			ID:       idOf(row),
			ModSeq:   modSeqOf(row),
			ThreadID: thread,
			In:       inFunc(row),
		}
	}

	if collapseThreads && threadOf != nil {
		return queryengine.Collapsed(changeRows, sinceQueryState, maxChanges, upToID)
	}
	return queryengine.Uncollapsed(changeRows, sinceQueryState, maxChanges, upToID)
}
