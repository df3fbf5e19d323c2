package verb

// Classifiable is the minimal shape the /changes verb needs from a row
// to classify it as created/updated/removed relative to sinceState
// (spec §4.4): whether it is currently active (soft-delete flag) and the
// state token at which it was created.
type Classifiable interface {
	IsActive() bool
	CreatedState() int64
}

// ErrCannotCalculateChanges is returned when sinceState is at or below
// the deletedModSeq horizon, or when the candidate change set exceeds
// maxChanges (spec §4.4).
type ErrCannotCalculateChanges struct{}

func (ErrCannotCalculateChanges) Error() string { return "cannotCalculateChanges" }

// ErrMissingSinceState is returned when sinceState was not supplied.
type ErrMissingSinceState struct{}

func (ErrMissingSinceState) Error() string { return "invalidArguments: sinceState is required" }

// ClassifyChanges classifies each candidate id — an id with at least one
// change-log entry newer than sinceState — into created, updated, or
// removed, using its current state (spec §4.4):
//
//   - created: still active, and its creation state is after sinceState.
//   - updated: still active, and its creation state is at or before sinceState.
//   - removed: inactive, and its creation state is at or before sinceState.
//   - omitted entirely: inactive, created after sinceState (the client
//     never saw it — "never-seen-then-deleted entries are omitted").
//
// loadOne returning found=false (the row has been permanently purged)
// is treated the same as an omitted never-seen-then-deleted row.
func ClassifyChanges[T Classifiable](candidateIDs []string, sinceState int64, loadOne func(id string) (T, bool, error)) (created, updated, removed []string, err error) {
	for _, id := range candidateIDs {
		row, found, err := loadOne(id)
		if err != nil {
			return nil, nil, nil, err
		}
		if !found {
			continue
		}

		if row.IsActive() {
			if row.CreatedState() > sinceState {
				created = append(created, id)
			} else {
				updated = append(updated, id)
			}
			continue
		}

		if row.CreatedState() <= sinceState {
			removed = append(removed, id)
		}
	}
	return created, updated, removed, nil
}

// ChangeLogEntry is one change-log record for a single object (spec
// §4.4), the shape a backend's own append-only change log already
// provides (e.g. internal/state.ChangeRecord) — used instead of
// ClassifyChanges when the backend has no live "is this row still here"
// view of a destroyed object (a hard-delete backend), only its history.
type ChangeLogEntry struct {
	ID         string
	State      int64
	ChangeType string // "created", "updated", or "destroyed"
}

// ClassifyChangeLog classifies every object referenced in entries
// (ordered ascending by State) into created/updated/removed relative to
// sinceState, folding each object's own run of log entries down to its
// earliest state (did the client ever see it before sinceState?) and its
// latest change type (is it gone now?):
//
//   - latest type "destroyed", first seen at or before sinceState: removed.
//   - latest type "destroyed", first seen after sinceState: omitted
//     entirely — the client never saw it.
//   - otherwise, first seen after sinceState: created.
//   - otherwise: updated.
func ClassifyChangeLog(entries []ChangeLogEntry, sinceState int64) (created, updated, removed []string) {
	type acc struct {
		firstState int64
		latestType string
	}
	byID := make(map[string]*acc)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		a, ok := byID[e.ID]
		if !ok {
			a = &acc{firstState: e.State}
			byID[e.ID] = a
			order = append(order, e.ID)
		}
		a.latestType = e.ChangeType
	}

	for _, id := range order {
		a := byID[id]
		neverSeenBefore := a.firstState > sinceState

		if a.latestType == "destroyed" {
			if !neverSeenBefore {
				removed = append(removed, id)
			}
			continue
		}
		if neverSeenBefore {
			created = append(created, id)
		} else {
			updated = append(updated, id)
		}
	}
	return created, updated, removed
}

// CandidateIDs dedupes a change-log scan (ordered by ascending state) to
// the distinct set of object ids that changed, preserving first-seen
// order, and reports whether the candidate count already exceeds
// maxChanges (a cheap fast-path before the more expensive per-row
// loadOne pass in ClassifyChanges).
func CandidateIDs(changedObjectIDs []string, maxChanges int) (ids []string, tooMany bool) {
	seen := make(map[string]bool, len(changedObjectIDs))
	for _, id := range changedObjectIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if maxChanges > 0 && len(ids) > maxChanges {
		return ids, true
	}
	return ids, false
}
