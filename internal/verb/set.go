package verb

import (
	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/patch"
)

// SetError is a single object's failure within a /set call (the JMAP
// SetError shape: a type tag plus a human description).
type SetError struct {
	Type        string
	Description string
}

// CreateFunc creates one new object from its property map, returning the
// server-assigned id and any server-set properties the client must learn
// back (e.g. "blobId", timestamps), or a SetError on failure.
type CreateFunc func(creationID string, props jmap.Args) (id string, serverSet map[string]any, setErr *SetError)

// UpdateFunc applies a (deep-patch-expanded) property map to an existing
// object, returning any server-set properties that changed as a side
// effect, or a SetError (notFound, invalidProperties, ...).
type UpdateFunc func(id string, props jmap.Args) (serverSet map[string]any, setErr *SetError)

// DestroyFunc destroys one existing object, returning a SetError
// (notFound, ...) on failure.
type DestroyFunc func(id string) *SetError

// SetParams is one /set call's arguments (spec §4.4).
type SetParams struct {
	IfInState string
	Create    map[string]jmap.Args // creationId -> properties
	Update    map[string]jmap.Args // id -> patch (may contain deep-patch keys)
	Destroy   []string
}

// SetResult is the outcome of a /set call, ready for response rendering.
type SetResult struct {
	OldState     string
	NewState     string
	Created      map[string]map[string]any
	Updated      map[string]map[string]any
	Destroyed    []string
	NotCreated   map[string]SetError
	NotUpdated   map[string]SetError
	NotDestroyed map[string]SetError
}

// ErrStateMismatch is returned when ifInState doesn't match the store's
// current state token (spec §4.4).
type ErrStateMismatch struct{}

func (ErrStateMismatch) Error() string { return "stateMismatch" }

// Store is the narrow backing-store contract the generic Set orchestration
// needs. Lock/Unlock is the process-wide write lock that serializes /set
// calls against the same account+type (spec §4.4); Sync pulls in any
// externally-made changes before oldState is read and again before
// newState is read; State returns the current state token.
type Store interface {
	Lock()
	Unlock()
	Sync() error
	State() (string, error)
}

// Set runs the generic /set orchestration (spec §4.4): acquire the
// superlock, sync the backing store, read oldState, run every create
// (registering each creationId into idMap as it succeeds), resolve any
// "#cid" placeholder appearing as an update key or destroy entry against
// idMap — so a create earlier in this very call is visible to an update
// or destroy later in the same call (spec §3 Invariants, §5 Ordering) —
// expand update patches against the pre-update object via patch.Expand,
// run every update, run every destroy, sync again, and read newState.
//
// create/update/destroy are invoked in arbitrary map-iteration order
// within their own step; per-object failures are collected into the
// matching Not* map rather than aborting the whole call. An unresolved
// placeholder in update or destroy fails that single object with
// notFound rather than the whole call.
func Set(
	store Store,
	idMap *jmap.IdMap,
	params SetParams,
	create CreateFunc,
	update UpdateFunc,
	destroy DestroyFunc,
	fetchForPatch patch.Fetcher,
) (SetResult, error) {
	store.Lock()
	defer store.Unlock()

	if err := store.Sync(); err != nil {
		return SetResult{}, err
	}

	oldState, err := store.State()
	if err != nil {
		return SetResult{}, err
	}
	if params.IfInState != "" && params.IfInState != oldState {
		return SetResult{}, ErrStateMismatch{}
	}

	result := newSetResult(oldState)

	for creationID, props := range params.Create {
		id, serverSet, setErr := create(creationID, props)
		if setErr != nil {
			result.NotCreated[creationID] = *setErr
			continue
		}
		idMap.Set(creationID, id)
		obj := map[string]any{"id": id}
		for k, v := range serverSet {
			obj[k] = v
		}
		result.Created[creationID] = obj
	}

	resolvedUpdate := make(map[string]jmap.Args, len(params.Update))
	for id, props := range params.Update {
		resolvedID, resolveErr := idMap.ResolveRef(id)
		if resolveErr != nil {
			result.NotUpdated[id] = SetError{Type: "notFound", Description: resolveErr.Error()}
			continue
		}
		resolvedUpdate[resolvedID] = props
	}

	expandedUpdate := patch.Expand(resolvedUpdate, fetchForPatch)
	for id, props := range expandedUpdate {
		serverSet, setErr := update(id, props)
		if setErr != nil {
			result.NotUpdated[id] = *setErr
			continue
		}
		result.Updated[id] = serverSet
	}

	for _, rawID := range params.Destroy {
		id, resolveErr := idMap.ResolveRef(rawID)
		if resolveErr != nil {
			result.NotDestroyed[rawID] = SetError{Type: "notFound", Description: resolveErr.Error()}
			continue
		}
		if setErr := destroy(id); setErr != nil {
			result.NotDestroyed[id] = *setErr
			continue
		}
		result.Destroyed = append(result.Destroyed, id)
	}

	if err := store.Sync(); err != nil {
		return SetResult{}, err
	}
	newState, err := store.State()
	if err != nil {
		return SetResult{}, err
	}
	result.NewState = newState

	return result, nil
}

// SingletonSet implements the restricted /set flow for singleton types —
// UserPreferences, ClientPreferences, CalendarPreferences,
// VacationResponse: create and destroy are rejected outright, and update
// is only honored for id "singleton" (spec §4.4 Singleton rule).
func SingletonSet(
	store Store,
	idMap *jmap.IdMap,
	params SetParams,
	update UpdateFunc,
	fetchForPatch patch.Fetcher,
) (SetResult, error) {
	store.Lock()
	defer store.Unlock()

	if err := store.Sync(); err != nil {
		return SetResult{}, err
	}
	oldState, err := store.State()
	if err != nil {
		return SetResult{}, err
	}
	if params.IfInState != "" && params.IfInState != oldState {
		return SetResult{}, ErrStateMismatch{}
	}

	result := newSetResult(oldState)

	for creationID := range params.Create {
		result.NotCreated[creationID] = SetError{Type: "forbidden", Description: "this type is a singleton and cannot be created"}
	}
	for _, id := range params.Destroy {
		result.NotDestroyed[id] = SetError{Type: "forbidden", Description: "this type is a singleton and cannot be destroyed"}
	}

	resolvedUpdate := make(map[string]jmap.Args, len(params.Update))
	for id, props := range params.Update {
		resolvedID, resolveErr := idMap.ResolveRef(id)
		if resolveErr != nil {
			result.NotUpdated[id] = SetError{Type: "notFound", Description: resolveErr.Error()}
			continue
		}
		resolvedUpdate[resolvedID] = props
	}

	expandedUpdate := patch.Expand(resolvedUpdate, fetchForPatch)
	for id, props := range expandedUpdate {
		if id != "singleton" {
			result.NotUpdated[id] = SetError{Type: "notFound", Description: `singleton id must be "singleton"`}
			continue
		}
		serverSet, setErr := update(id, props)
		if setErr != nil {
			result.NotUpdated[id] = *setErr
			continue
		}
		result.Updated[id] = serverSet
	}

	if err := store.Sync(); err != nil {
		return SetResult{}, err
	}
	newState, err := store.State()
	if err != nil {
		return SetResult{}, err
	}
	result.NewState = newState

	return result, nil
}

func newSetResult(oldState string) SetResult {
	return SetResult{
		OldState:     oldState,
		Created:      make(map[string]map[string]any),
		Updated:      make(map[string]map[string]any),
		NotCreated:   make(map[string]SetError),
		NotUpdated:   make(map[string]SetError),
		NotDestroyed: make(map[string]SetError),
	}
}
