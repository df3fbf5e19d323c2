// Package thread implements Thread/get and Thread/changes (spec §4.4,
// §4.8). A thread has no storage of its own: it is the ordered set of
// email ids sharing one threadId, computed on demand from
// internal/email.Repository.FindByThreadID, the teacher's existing
// per-thread lookup index (LSI3, THREAD#{threadId}#RCVD#...).
package thread

import (
	"context"
	"errors"
	"sort"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/email"
	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/state"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// ErrThreadNotFound is returned when a threadId has no member emails.
var ErrThreadNotFound = errors.New("thread not found")

// Repository is the subset of internal/email.Repository the Thread
// handler needs.
type Repository interface {
	FindByThreadID(ctx context.Context, accountID, threadID string) ([]*email.EmailItem, error)
}

// StateRepository is the subset of internal/state.Repository the Thread
// handler needs. Threads change state when the Email handler updates or
// destroys a member email: it writes the ObjectTypeThread change log
// entries as a side effect of mailboxIds/keywords updates and deletes
// affecting a threaded email (see internal/email.Handler). Email creation
// writes no Thread entry.
type StateRepository interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
	QueryChanges(ctx context.Context, accountID string, objectType state.ObjectType, sinceState int64, maxChanges int) ([]state.ChangeRecord, error)
	GetOldestAvailableState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// Handler implements Thread/get and Thread/changes.
type Handler struct {
	repo      Repository
	stateRepo StateRepository
}

// NewHandler creates a Thread Handler.
func NewHandler(repo Repository, stateRepo StateRepository) *Handler {
	return &Handler{repo: repo, stateRepo: stateRepo}
}

// threadRow is the row type verb.Get projects: a threadId plus its
// member email ids ordered by receivedAt ascending (spec glossary:
// thread).
type threadRow struct {
	id       string
	emailIDs []string
}

// Get implements Thread/get (spec §4.4, §4.8). ids is required: threads
// have no enumerable "all threads" view independent of Email.
func (h *Handler) Get(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	ids, ok := args.StringSlice("ids")
	if !ok {
		return nil, jmaperror.InvalidArguments("ids is required and must be an array of strings")
	}

	list, notFound, err := verb.Get(
		ids,
		nil,
		func() ([]*threadRow, error) { return nil, nil },
		func(id string) (*threadRow, bool, error) {
			emails, err := h.repo.FindByThreadID(ctx, accountID, id)
			if err != nil {
				return nil, false, err
			}
			if len(emails) == 0 {
				return nil, false, nil
			}
			sort.Slice(emails, func(i, j int) bool {
				return emails[i].ReceivedAt.Before(emails[j].ReceivedAt)
			})
			emailIDs := make([]string, len(emails))
			for i, e := range emails {
				emailIDs[i] = e.EmailID
			}
			return &threadRow{id: id, emailIDs: emailIDs}, true, nil
		},
		project,
	)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	currentState, err := h.stateRepo.GetCurrentState(ctx, accountID, state.ObjectTypeThread)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	return jmap.Args{
		"accountId": accountID,
		"state":     formatState(currentState),
		"list":      toAnySlice(list),
		"notFound":  toAnyStrings(notFound),
	}, nil
}

// Changes implements Thread/changes (spec §4.4, §4.8).
func (h *Handler) Changes(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	sinceStateStr, ok := args.String("sinceState")
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceState is required")
	}
	sinceState, ok := parseState(sinceStateStr)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceState must be a numeric state token")
	}
	maxChanges := args.IntOr("maxChanges", 0)

	oldest, err := h.stateRepo.GetOldestAvailableState(ctx, accountID, state.ObjectTypeThread)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}
	if sinceState < oldest {
		return nil, &jmaperror.MethodError{ErrType: "cannotCalculateChanges"}
	}

	records, err := h.stateRepo.QueryChanges(ctx, accountID, state.ObjectTypeThread, sinceState, maxChanges)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}
	if maxChanges > 0 && len(records) > maxChanges {
		return nil, &jmaperror.MethodError{ErrType: "cannotCalculateChanges"}
	}

	entries := make([]verb.ChangeLogEntry, len(records))
	newState := sinceState
	for i, r := range records {
		entries[i] = verb.ChangeLogEntry{ID: r.ObjectID, State: r.State, ChangeType: string(r.ChangeType)}
		if r.State > newState {
			newState = r.State
		}
	}

	created, updated, removed := verb.ClassifyChangeLog(entries, sinceState)

	return jmap.Args{
		"accountId":      accountID,
		"oldState":       formatState(sinceState),
		"newState":       formatState(newState),
		"hasMoreChanges": false,
		"created":        toAnyStrings(created),
		"updated":        toAnyStrings(updated),
		"destroyed":      toAnyStrings(removed),
	}, nil
}
