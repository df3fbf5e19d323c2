// Package patch expands the JSON-pointer-style keys ("a/b~1c") used by
// /set update requests into full top-level property values (spec §4.5).
package patch

import (
	"strings"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/pointer"
)

// Fetcher loads the current value of a set of properties for one object,
// the way a /get call projected to those properties would. It returns
// (nil, false) if the object does not exist — expansion is then skipped
// silently for that id (spec §4.5 corner rule: the backend's update path
// surfaces its own notFound-style error).
type Fetcher func(id string, properties []string) (map[string]any, bool)

// Expand rewrites update, a map of id -> patch map, replacing every
// deep-patch key (one containing an unescaped "/") with the resulting
// top-level property value after applying the patch. Flat keys pass
// through unchanged. fetch is used to load the pre-patch value of any
// top-level property touched by a deep patch.
func Expand(update map[string]jmap.Args, fetch Fetcher) map[string]jmap.Args {
	expanded := make(map[string]jmap.Args, len(update))
	for id, patchMap := range update {
		expanded[id] = expandOne(id, patchMap, fetch)
	}
	return expanded
}

// expandOne expands the deep patches for a single object's update map.
func expandOne(id string, patchMap jmap.Args, fetch Fetcher) jmap.Args {
	deepKeys := make(map[string]string) // original key -> top-level property
	touched := make(map[string]bool)

	for key := range patchMap {
		top, isDeep := topLevelProperty(key)
		if !isDeep {
			continue
		}
		deepKeys[key] = top
		touched[top] = true
	}

	if len(deepKeys) == 0 {
		return patchMap
	}

	properties := make([]string, 0, len(touched))
	for prop := range touched {
		properties = append(properties, prop)
	}

	current, ok := fetch(id, properties)
	if !ok {
		// Corner rule: no object to patch against — leave the deep keys
		// as-is and let the backend's update path surface notFound.
		return patchMap
	}

	result := make(jmap.Args, len(patchMap))
	for key, value := range patchMap {
		if _, isDeep := deepKeys[key]; !isDeep {
			result[key] = value
		}
	}

	for key, top := range deepKeys {
		segs := segmentsAfterTop(key)
		root := current[top]
		root = setAtPath(root, segs, patchMap[key])
		result[top] = root
	}

	return result
}

// topLevelProperty reports whether key is a deep patch (contains an
// unescaped "/") and, if so, returns its top-level property name.
func topLevelProperty(key string) (string, bool) {
	idx := unescapedSlash(key)
	if idx < 0 {
		return "", false
	}
	return pointer.UnescapeSegment(key[:idx]), true
}

// segmentsAfterTop returns the unescaped path segments after the
// top-level property in a deep-patch key such as "myRights/mayDelete".
func segmentsAfterTop(key string) []string {
	idx := unescapedSlash(key)
	rest := key[idx+1:]
	raw := strings.Split(rest, "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		segs[i] = pointer.UnescapeSegment(s)
	}
	return segs
}

// unescapedSlash finds the first "/" in key that is not part of a "~1"
// escape, or -1 if there is none.
func unescapedSlash(key string) int {
	for i := 0; i < len(key); i++ {
		if key[i] == '~' && i+1 < len(key) {
			i++ // skip the escape's second byte
			continue
		}
		if key[i] == '/' {
			return i
		}
	}
	return -1
}

// setAtPath walks root along segs, setting the leaf to value (or
// deleting it when value is nil), and returns the (possibly new) root.
func setAtPath(root any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}

	m, ok := root.(map[string]any)
	if !ok {
		if root == nil {
			m = make(map[string]any)
		} else {
			// Not a map: nothing sensible to descend into: leave as-is.
			return root
		}
	} else {
		copied := make(map[string]any, len(m))
		for k, v := range m {
			copied[k] = v
		}
		m = copied
	}

	seg := segs[0]
	rest := segs[1:]

	if len(rest) == 0 {
		if value == nil {
			delete(m, seg)
		} else {
			m[seg] = value
		}
		return m
	}

	m[seg] = setAtPath(m[seg], rest, value)
	return m
}
