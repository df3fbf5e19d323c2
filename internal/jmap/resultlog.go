package jmap

// ResultLog accumulates method responses for one request. It exposes two
// views: the flat ordered list of all responses (for the final envelope)
// and, per call tag, the list of successful (non-error) result payloads
// visible to later back-references in the same batch (spec §3, §7).
//
// ResultLog is owned exclusively by the request goroutine that built it;
// it is never shared across requests or accessed concurrently.
type ResultLog struct {
	all       []MethodResponse
	succeeded map[string][]MethodResponse
}

// NewResultLog creates an empty ResultLog.
func NewResultLog() *ResultLog {
	return &ResultLog{succeeded: make(map[string][]MethodResponse)}
}

// Append records a response under the given call tag (which may differ
// from resp.CallTag when a single call produces implied extra responses,
// e.g. EmailSubmission/set emitting an implied Email/set).
func (l *ResultLog) Append(callTag string, resp MethodResponse) {
	resp.CallTag = callTag
	l.all = append(l.all, resp)
	if !resp.IsError() {
		l.succeeded[callTag] = append(l.succeeded[callTag], resp)
	}
}

// All returns the full ordered list of responses, in append order.
func (l *ResultLog) All() []MethodResponse {
	return l.all
}

// SucceededResults returns the successful responses recorded under
// callTag, in call order, or (nil, false) if no call produced that tag at
// all — the distinction matters for back-ref resolution (§4.2): an
// unknown tag is invalidResultReference, but a tag whose only call(s)
// errored resolves to an empty list.
func (l *ResultLog) SucceededResults(callTag string) ([]MethodResponse, bool) {
	results, ok := l.succeeded[callTag]
	if !ok {
		return nil, l.KnownTag(callTag)
	}
	return results, true
}

// KnownTag reports whether callTag was produced by any earlier call in
// this batch, successful or not. Used to distinguish invalidResultReference
// (unknown tag) from an empty-but-known result set (§4.2).
func (l *ResultLog) KnownTag(callTag string) bool {
	for _, resp := range l.all {
		if resp.CallTag == callTag {
			return true
		}
	}
	return false
}

// IdMap tracks, for one request, the mapping from a /set create
// placeholder ("#cid") to its server-assigned id, so later calls and
// later steps of the same /set can resolve placeholder references
// (spec §3 Invariants, §5 Ordering).
type IdMap struct {
	ids map[string]string
}

// NewIdMap creates an empty IdMap.
func NewIdMap() *IdMap {
	return &IdMap{ids: make(map[string]string)}
}

// Set records that placeholder resolves to id.
func (m *IdMap) Set(placeholder, id string) {
	m.ids[placeholder] = id
}

// Resolve returns the assigned id for placeholder, or ok=false if no
// creation under that placeholder has been recorded in this request.
func (m *IdMap) Resolve(placeholder string) (string, bool) {
	id, ok := m.ids[placeholder]
	return id, ok
}

// ResolveRef resolves id if it looks like a creation reference ("#cid"),
// returning the underlying placeholder id map lookup; otherwise returns
// id unchanged. This is the helper /set update and /set destroy use to
// accept either a real id or a same-batch placeholder.
func (m *IdMap) ResolveRef(id string) (string, error) {
	if len(id) == 0 || id[0] != '#' {
		return id, nil
	}
	resolved, ok := m.Resolve(id[1:])
	if !ok {
		return "", ErrUnresolvedPlaceholder{Placeholder: id}
	}
	return resolved, nil
}

// ErrUnresolvedPlaceholder is returned when a "#cid" reference does not
// correspond to any id created earlier in the same request.
type ErrUnresolvedPlaceholder struct {
	Placeholder string
}

func (e ErrUnresolvedPlaceholder) Error() string {
	return "unresolved creation placeholder: " + e.Placeholder
}
