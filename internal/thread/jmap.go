package thread

import "strconv"

// project renders a threadRow into its JMAP property map (spec §4.4).
// Thread has only two properties, and properties filtering is a no-op
// since "id" is always returned anyway.
func project(t *threadRow, _ []string) map[string]any {
	return map[string]any{
		"id":       t.id,
		"emailIds": toAnyStrings(t.emailIDs),
	}
}

func formatState(v int64) string { return strconv.FormatInt(v, 10) }

func parseState(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func toAnySlice(list []map[string]any) []any {
	out := make([]any, len(list))
	for i, m := range list {
		out[i] = m
	}
	return out
}

func toAnyStrings(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
