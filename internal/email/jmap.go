package email

import (
	"strconv"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// project renders an EmailItem into its JMAP property map, grounded on
// cmd/email-get/main.go's transformEmail (spec §4.4: "id" is always
// present regardless of the requested properties). Header:* properties
// and bodyValues fetching (which need a blob streamer) are out of scope
// for this handler's property set; callers that need raw header access
// still have the teacher's cmd/email-get code as reference.
func project(e *EmailItem, properties []string) map[string]any {
	full := map[string]any{
		"id":            e.EmailID,
		"blobId":        e.BlobID,
		"threadId":      e.ThreadID,
		"mailboxIds":    ensureBoolMap(e.MailboxIDs),
		"keywords":      ensureBoolMap(e.Keywords),
		"size":          e.Size,
		"receivedAt":    formatTime(e.ReceivedAt),
		"messageId":     nullableStrings(e.MessageID),
		"inReplyTo":     nullableStrings(e.InReplyTo),
		"references":    nullableStrings(e.References),
		"from":          transformAddresses(e.From),
		"sender":        nullableAddresses(e.Sender),
		"to":            transformAddresses(e.To),
		"cc":            transformAddresses(e.CC),
		"bcc":           nullableAddresses(e.Bcc),
		"replyTo":       transformAddresses(e.ReplyTo),
		"subject":       e.Subject,
		"sentAt":        formatTime(e.SentAt),
		"hasAttachment": e.HasAttachment,
		"preview":       e.Preview,
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

func ensureBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func boolMapFromArgs(m jmap.Args) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}

func nullableStrings(s []string) any {
	if len(s) == 0 {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func transformAddresses(addrs []EmailAddress) []map[string]any {
	out := make([]map[string]any, len(addrs))
	for i, a := range addrs {
		out[i] = map[string]any{"name": a.Name, "email": a.Email}
	}
	return out
}

func nullableAddresses(addrs []EmailAddress) any {
	if len(addrs) == 0 {
		return nil
	}
	return transformAddresses(addrs)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
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

// parseQueryRequest parses Email/query arguments into a QueryRequest,
// enforcing the same restriction the teacher's cmd/email-query Lambda
// did: only filter.inMailbox and a single receivedAt sort are supported,
// since Repository.QueryEmails is backed by DynamoDB indexes scoped to
// exactly those two access patterns (spec §4.4 unsupportedFilter /
// unsupportedSort).
func parseQueryRequest(args jmap.Args) (*QueryRequest, *jmaperror.MethodError) {
	req := &QueryRequest{}

	if filterArg, ok := args.Object("filter"); ok {
		inMailbox, ok := filterArg.String("inMailbox")
		if !ok || len(filterArg) != 1 {
			return nil, &jmaperror.MethodError{ErrType: "unsupportedFilter", Description: "Email/query only supports filter.inMailbox"}
		}
		req.Filter = &QueryFilter{InMailbox: inMailbox}
	}

	if sortArg, ok := args.List("sort"); ok {
		if len(sortArg) > 1 {
			return nil, &jmaperror.MethodError{ErrType: "unsupportedSort", Description: "Email/query only supports a single receivedAt sort"}
		}
		for _, entry := range sortArg {
			obj, ok := entry.(map[string]any)
			if !ok {
				return nil, jmaperror.InvalidArguments("sort entries must be objects")
			}
			prop, _ := obj["property"].(string)
			if prop != "receivedAt" {
				return nil, &jmaperror.MethodError{ErrType: "unsupportedSort", Description: "Email/query only supports sorting by receivedAt"}
			}
			isAscending := true
			if v, ok := obj["isAscending"].(bool); ok {
				isAscending = v
			}
			req.Sort = append(req.Sort, Comparator{Property: prop, IsAscending: isAscending})
		}
	}

	if pos, ok := args.Int("position"); ok {
		req.Position = pos
	}
	if anchor, ok := args.String("anchor"); ok {
		req.Anchor = anchor
		req.AnchorOffset = args.IntOr("anchorOffset", 0)
	}
	if limit, ok := args.Int("limit"); ok {
		req.Limit = limit
	}

	return req, nil
}

// parseSetParams parses Email/set arguments into verb.SetParams.
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
