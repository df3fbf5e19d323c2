package storagenode

import (
	"strconv"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/queryengine"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// project renders an Item into its JMAP property map (spec §4.4: "id" is
// always present regardless of requested properties).
func project(item *Item, properties []string) map[string]any {
	full := map[string]any{
		"id":       item.ID,
		"name":     item.Name,
		"capacity": item.Capacity,
		"used":     item.Used,
		"region":   nullableString(item.Region),
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

func storageNodeID(item *Item) string { return item.ID }

func storageNodeSortKey(row *Item, property string, storage *queryengine.Storage) (any, bool, error) {
	switch property {
	case "name":
		return row.Name, false, nil
	case "capacity":
		return float64(row.Capacity), true, nil
	case "used":
		return float64(row.Used), true, nil
	default:
		return nil, false, &jmaperror.MethodError{ErrType: "unsupportedSort", Description: "unsupported sort property: " + property}
	}
}

func storageNodeLeafPredicate(row *Item, cond map[string]any, storage *queryengine.Storage) (bool, error) {
	if name, ok := cond["name"].(string); ok {
		if row.Name != name {
			return false, nil
		}
	}
	if region, ok := cond["region"].(string); ok {
		if row.Region != region {
			return false, nil
		}
	}
	return true, nil
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
