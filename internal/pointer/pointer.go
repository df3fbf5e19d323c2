// Package pointer implements the RFC-6901-style path resolver used by
// the back-reference resolver and the /set update patch expander.
package pointer

import "strings"

// Resolve applies a "/seg1/seg2/..." pointer to root and returns the
// resulting value. Behavior by segment and current node kind:
//
//   - map node: descend to the value at the unescaped segment key.
//   - list node, segment "*": apply the remaining pointer to every
//     element and flatten one level (a list of lists becomes one list).
//   - list node, numeric segment: descend by index.
//   - anything else: return the current node unchanged — this resolver
//     is tolerant and never fails.
//
// If the final result is defined and not itself a list, it is wrapped in
// a single-element list, normalizing every result to an array (the JMAP
// convention that a back-reference always yields an array of ids/values).
func Resolve(root any, path string) any {
	result := resolve(root, segments(path))
	if result == nil {
		return []any{}
	}
	if _, isList := result.([]any); isList {
		return result
	}
	return []any{result}
}

// segments splits a pointer of the form "/seg1/seg2" into its unescaped
// segments. A pointer of "" or "/" yields no segments.
func segments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		out[i] = unescape(seg)
	}
	return out
}

// UnescapeSegment reverses RFC-6901 segment escaping for a single
// pointer segment. Exported for callers, like the /set update patch
// expander, that need to unescape a segment outside a full pointer walk.
func UnescapeSegment(seg string) string {
	return unescape(seg)
}

// unescape reverses RFC-6901 segment escaping: "~1" -> "/", "~0" -> "~".
// Order matters: ~1 must be translated before ~0 would otherwise corrupt
// a literal "~01" sequence, so this walks byte-by-byte instead of using
// two blind ReplaceAll passes.
func unescape(seg string) string {
	if !strings.Contains(seg, "~") {
		return seg
	}
	var b strings.Builder
	b.Grow(len(seg))
	for i := 0; i < len(seg); i++ {
		if seg[i] == '~' && i+1 < len(seg) {
			switch seg[i+1] {
			case '1':
				b.WriteByte('/')
				i++
				continue
			case '0':
				b.WriteByte('~')
				i++
				continue
			}
		}
		b.WriteByte(seg[i])
	}
	return b.String()
}

// resolve walks node along the remaining segments.
func resolve(node any, segs []string) any {
	if len(segs) == 0 {
		return node
	}
	seg := segs[0]
	rest := segs[1:]

	switch v := node.(type) {
	case map[string]any:
		child, ok := v[seg]
		if !ok {
			return node
		}
		return resolve(child, rest)
	case []any:
		if seg == "*" {
			var flattened []any
			for _, elem := range v {
				applied := resolve(elem, rest)
				if sub, ok := applied.([]any); ok {
					flattened = append(flattened, sub...)
				} else if applied != nil {
					flattened = append(flattened, applied)
				}
			}
			return flattened
		}
		idx, ok := parseIndex(seg)
		if !ok || idx < 0 || idx >= len(v) {
			return node
		}
		return resolve(v[idx], rest)
	default:
		return node
	}
}

// parseIndex parses a non-negative decimal list index.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n := 0
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
