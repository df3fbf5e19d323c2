package identity

import "strconv"

// project renders an Item into its JMAP property map (spec §4.4: "id" is
// always present regardless of requested properties).
func project(item *Item, properties []string) map[string]any {
	full := map[string]any{
		"id":            item.ID,
		"name":          item.Name,
		"email":         item.Email,
		"replyTo":       nullableString(item.ReplyTo),
		"bcc":           nullableString(item.BCC),
		"textSignature": item.TextSignature,
		"htmlSignature": item.HTMLSignature,
		"mayDelete":     item.MayDelete,
	}
	if len(properties) == 0 {
		return full
	}
	filtered := make(map[string]any, len(properties)+1)
	for _, prop := range properties {
		if val, ok := full[prop]; ok {
			filtered[prop] = val
		}
	}
	filtered["id"] = full["id"]
	return filtered
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatState(v int64) string { return strconv.FormatInt(v, 10) }

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
