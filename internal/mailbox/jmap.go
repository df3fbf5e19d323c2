package mailbox

import (
	"strconv"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/queryengine"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// project renders a MailboxItem into its JMAP property map, grounded on
// the teacher's cmd/mailbox-get transformMailbox/transformRights (spec
// §4.4: "id" is always present regardless of the requested properties).
func project(m *MailboxItem, properties []string) map[string]any {
	full := map[string]any{
		"id":                m.MailboxID,
		"name":              m.Name,
		"parentId":          nil,
		"sortOrder":         m.SortOrder,
		"totalEmails":       m.TotalEmails,
		"unreadEmails":      m.UnreadEmails,
		"totalThreads":      m.TotalEmails,
		"unreadThreads":     m.UnreadEmails,
		"isSubscribed":      m.IsSubscribed,
		"myRights":          transformRights(AllRights()),
	}
	if m.Role != "" {
		full["role"] = m.Role
	} else {
		full["role"] = nil
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

func transformRights(r MailboxRights) map[string]any {
	return map[string]any{
		"mayReadItems":   r.MayReadItems,
		"mayAddItems":    r.MayAddItems,
		"mayRemoveItems": r.MayRemoveItems,
		"maySetSeen":     r.MaySetSeen,
		"maySetKeywords": r.MaySetKeywords,
		"mayCreateChild": r.MayCreateChild,
		"mayRename":      r.MayRename,
		"mayDelete":      r.MayDelete,
		"maySubmit":      r.MaySubmit,
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

func notFoundOrEmpty(ids []string) []any {
	return toAnyStrings(ids)
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

func toAnyMap(m map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = map[string]any{}
			continue
		}
		out[k] = v
	}
	return out
}

func toAnyErrorMap(m map[string]verb.SetError) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = map[string]any{"type": v.Type, "description": v.Description}
	}
	return out
}

func mailboxID(m *MailboxItem) string { return m.MailboxID }

func mailboxSortKey(row *MailboxItem, property string, storage *queryengine.Storage) (any, bool, error) {
	switch property {
	case "sortOrder":
		return float64(row.SortOrder), true, nil
	case "name":
		return row.Name, false, nil
	default:
		return nil, false, &jmaperror.MethodError{ErrType: "unsupportedSort", Description: "unsupported sort property: " + property}
	}
}

func mailboxLeafPredicate(row *MailboxItem, cond map[string]any, storage *queryengine.Storage) (bool, error) {
	if name, ok := cond["name"].(string); ok {
		if !containsFold(row.Name, name) {
			return false, nil
		}
	}
	if role, ok := cond["role"].(string); ok {
		if row.Role != role {
			return false, nil
		}
	}
	if hasAnyRole, ok := cond["hasAnyRole"].(bool); ok {
		if hasAnyRole != (row.Role != "") {
			return false, nil
		}
	}
	if isSubscribed, ok := cond["isSubscribed"].(bool); ok {
		if row.IsSubscribed != isSubscribed {
			return false, nil
		}
	}
	return true, nil
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func parseQueryParams(args jmap.Args) (verb.QueryParams, *jmaperror.MethodError) {
	params := verb.QueryParams{}

	if filter, ok := args.Object("filter"); ok {
		params.Filter = map[string]any(filter)
	}

	if sortArg, ok := args.List("sort"); ok {
		for _, entry := range sortArg {
			obj, ok := entry.(map[string]any)
			if !ok {
				return params, jmaperror.InvalidArguments("sort entries must be objects")
			}
			prop, _ := obj["property"].(string)
			if prop == "" {
				return params, jmaperror.InvalidArguments("sort entry missing property")
			}
			isAscending := true
			if v, ok := obj["isAscending"].(bool); ok {
				isAscending = v
			}
			params.Sort = append(params.Sort, queryengine.SortSpec{Property: prop, IsAscending: isAscending})
		}
	}

	if pos, ok := args.Int("position"); ok {
		params.Position = pos
		params.HasPosition = true
	}
	if anchor, ok := args.String("anchor"); ok {
		params.Anchor = anchor
		params.HasAnchor = true
		params.AnchorOffset = args.IntOr("anchorOffset", 0)
	}
	if limit, ok := args.Int("limit"); ok {
		params.Limit = limit
		params.HasLimit = true
	}
	params.CollapseThreads = args.BoolOr("collapseThreads", false)

	return params, nil
}

func translateQueryError(err error) *jmaperror.MethodError {
	switch e := err.(type) {
	case verb.ErrAnchorNotFound:
		return &jmaperror.MethodError{ErrType: "anchorNotFound", Description: e.Error()}
	case verb.ErrInvalidArguments:
		return jmaperror.InvalidArguments(e.Reason)
	case *jmaperror.MethodError:
		return e
	default:
		return jmaperror.ServerFail(err.Error(), err)
	}
}

func parseSetParams(args jmap.Args) (verb.SetParams, *jmaperror.MethodError) {
	params := verb.SetParams{}
	params.IfInState = args.StringOr("ifInState", "")

	if createArg, ok := args.Object("create"); ok {
		params.Create = make(map[string]jmap.Args, len(createArg))
		for id, v := range createArg {
			obj, ok := v.(map[string]any)
			if !ok {
				return params, jmaperror.InvalidArguments("create entries must be objects")
			}
			params.Create[id] = jmap.Args(obj)
		}
	}

	if updateArg, ok := args.Object("update"); ok {
		params.Update = make(map[string]jmap.Args, len(updateArg))
		for id, v := range updateArg {
			obj, ok := v.(map[string]any)
			if !ok {
				return params, jmaperror.InvalidArguments("update entries must be objects")
			}
			params.Update[id] = jmap.Args(obj)
		}
	}

	if destroyArg, ok := args.StringSlice("destroy"); ok {
		params.Destroy = destroyArg
	}

	return params, nil
}
