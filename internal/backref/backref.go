// Package backref resolves #name back-reference arguments against the
// per-request ResultLog, substituting values computed by earlier method
// calls in the same batch (spec §4.2).
package backref

import (
	"fmt"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/pointer"
)

// ErrInvalidResultReference is returned when a "#name" argument names an
// unknown resultOf call tag. Per spec §4.2 the whole method call fails
// with invalidResultReference; no handler is invoked.
type ErrInvalidResultReference struct {
	ArgName  string
	ResultOf string
}

func (e ErrInvalidResultReference) Error() string {
	return fmt.Sprintf("invalidResultReference: %q refers to unknown call %q", e.ArgName, e.ResultOf)
}

// Resolve returns a copy of args with every "#name" key replaced by the
// path-resolved value(s) from the named earlier call's successful
// results. Ordinary keys pass through unchanged; substitution is shallow
// on the argument map only — values are not recursively scanned (spec §4.2).
func Resolve(args jmap.Args, log *jmap.ResultLog) (jmap.Args, error) {
	resolved := make(jmap.Args, len(args))
	for key, value := range args {
		if len(key) == 0 || key[0] != '#' {
			resolved[key] = value
			continue
		}

		spec, ok := value.(map[string]any)
		if !ok {
			// Not a well-formed back-reference descriptor; pass through
			// so the handler can surface its own invalidArguments.
			resolved[key] = value
			continue
		}

		resultOf, _ := spec["resultOf"].(string)
		path, _ := spec["path"].(string)
		responseName, hasName := spec["name"].(string)

		results, known := log.SucceededResults(resultOf)
		if !known {
			return nil, ErrInvalidResultReference{ArgName: key, ResultOf: resultOf}
		}

		resolved[key[1:]] = resolvePath(results, hasName, responseName, path)
	}
	return resolved, nil
}

// resolvePath applies path to every successful response recorded under
// resultOf (optionally restricted to responses named responseName, which
// disambiguates a call tag shared by more than one method call), then
// concatenates the per-response arrays (spec §4.2: "applying the path
// resolver to the concatenated successful results").
func resolvePath(results []jmap.MethodResponse, filterByName bool, responseName, path string) []any {
	var concatenated []any
	for _, result := range results {
		if filterByName && result.Name != responseName {
			continue
		}
		resolved := pointer.Resolve(map[string]any(result.Result), path)
		if list, ok := resolved.([]any); ok {
			concatenated = append(concatenated, list...)
		}
	}
	if concatenated == nil {
		concatenated = []any{}
	}
	return concatenated
}
