package email

import (
	"context"
	"errors"
	"sync"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/state"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// HandlerRepository is the subset of *Repository the Email handler
// needs — a local, narrow interface (rather than the concrete
// *Repository) so handler tests can fake it without touching DynamoDB,
// matching internal/mailbox's Repository/fakeRepository pattern.
type HandlerRepository interface {
	GetEmail(ctx context.Context, accountID, emailID string) (*EmailItem, error)
	FindByThreadID(ctx context.Context, accountID, threadID string) ([]*EmailItem, error)
	QueryEmails(ctx context.Context, accountID string, req *QueryRequest) (*QueryResult, error)
	UpdateEmailMailboxes(ctx context.Context, accountID, emailID string, newMailboxIDs map[string]bool) (oldMailboxIDs map[string]bool, email *EmailItem, err error)
	UpdateEmailKeywords(ctx context.Context, accountID, emailID string, newKeywords map[string]bool, expectedVersion int) (*EmailItem, error)
	DeleteEmail(ctx context.Context, emailItem *EmailItem) error
}

// StateRepository is the subset of internal/state.Repository the Email
// handler needs (spec §4.4, §4.8) — the same change-log backend Mailbox
// uses, since Email rows are hard-deleted the same way.
type StateRepository interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
	IncrementStateAndLogChange(ctx context.Context, accountID string, objectType state.ObjectType, objectID string, changeType state.ChangeType) (int64, error)
	QueryChanges(ctx context.Context, accountID string, objectType state.ObjectType, sinceState int64, maxChanges int) ([]state.ChangeRecord, error)
	GetOldestAvailableState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// Handler implements Email/get, Email/changes, Email/query, and Email/set
// on top of Repository and StateRepository (spec §4.4, §4.8).
//
// Email/query is not routed through internal/verb.Query the way Mailbox
// is: an account's email volume is unbounded, while Mailbox's is small
// enough to load wholesale into memory. Instead Query is a thin wrapper
// over the teacher's own Repository.QueryEmails, which is already
// index-backed (DynamoDB LSI1 receivedAt order, or the per-mailbox
// membership index) and only ever supported filter.inMailbox plus a
// single receivedAt sort (cmd/email-query/main.go, before this
// package's rework) — the same restriction is kept here, now enforced
// once in parseQueryRequest instead of per-Lambda.
type Handler struct {
	repo      HandlerRepository
	stateRepo StateRepository
	mu        sync.Mutex
}

// NewHandler creates an Email Handler.
func NewHandler(repo HandlerRepository, stateRepo StateRepository) *Handler {
	return &Handler{repo: repo, stateRepo: stateRepo}
}

// Get implements Email/get (spec §4.4, §4.8). Unlike Mailbox, Email has
// no practical "all objects" load: ids is required.
func (h *Handler) Get(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	ids, ok := args.StringSlice("ids")
	if !ok {
		return nil, jmaperror.InvalidArguments("ids is required and must be an array of strings")
	}

	var properties []string
	if args.Has("properties") {
		props, ok := args.StringSlice("properties")
		if !ok {
			return nil, jmaperror.InvalidArguments("properties must be an array of strings")
		}
		properties = props
	}

	list, notFound, err := verb.Get(
		ids,
		properties,
		func() ([]*EmailItem, error) { return nil, nil },
		func(id string) (*EmailItem, bool, error) {
			e, err := h.repo.GetEmail(ctx, accountID, id)
			if errors.Is(err, ErrEmailNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return e, true, nil
		},
		project,
	)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	currentState, err := h.stateRepo.GetCurrentState(ctx, accountID, state.ObjectTypeEmail)
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

// Changes implements Email/changes (spec §4.4, §4.8) against the same
// hard-delete change log Mailbox uses.
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

	oldest, err := h.stateRepo.GetOldestAvailableState(ctx, accountID, state.ObjectTypeEmail)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}
	if sinceState < oldest {
		return nil, &jmaperror.MethodError{ErrType: "cannotCalculateChanges"}
	}

	records, err := h.stateRepo.QueryChanges(ctx, accountID, state.ObjectTypeEmail, sinceState, maxChanges)
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

// Query implements Email/query (spec §4.4, §4.8) as a thin wrapper over
// Repository.QueryEmails — see the Handler doc comment for why this
// isn't routed through internal/verb.Query.
func (h *Handler) Query(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	req, mErr := parseQueryRequest(args)
	if mErr != nil {
		return nil, mErr
	}

	result, err := h.repo.QueryEmails(ctx, accountID, req)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	return jmap.Args{
		"accountId":           accountID,
		"queryState":          result.QueryState,
		"canCalculateChanges": false,
		"position":            result.Position,
		"ids":                 toAnyStrings(result.IDs),
	}, nil
}

// Set implements Email/set (spec §4.4, §4.8): creation is not supported
// here — the teacher's Repository never grew a path from raw JMAP
// properties to a stored EmailItem without a parsed MIME blob, that work
// lives in the (unadapted) cmd/email-import Lambda — so every creationId
// fails invalidProperties directing the client at Email/import. Update
// is restricted to the two properties the repository can actually patch
// transactionally: mailboxIds and keywords. Destroy removes the email
// and its mailbox memberships in one transaction.
func (h *Handler) Set(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	params, mErr := parseSetParams(args)
	if mErr != nil {
		return nil, mErr
	}

	store := &emailStore{h: h, ctx: ctx, accountID: accountID}
	idMap := jmap.NewIdMap()

	result, err := verb.Set(
		store,
		idMap,
		params,
		h.rejectCreate(),
		h.update(ctx, accountID),
		h.destroy(ctx, accountID),
		h.fetchForPatch(ctx, accountID),
	)
	if err != nil {
		var mismatch verb.ErrStateMismatch
		if errors.As(err, &mismatch) {
			return nil, &jmaperror.MethodError{ErrType: "stateMismatch"}
		}
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	return jmap.Args{
		"accountId":    accountID,
		"oldState":     result.OldState,
		"newState":     result.NewState,
		"created":      toAnyMap(result.Created),
		"updated":      toAnyMap(result.Updated),
		"destroyed":    toAnyStrings(result.Destroyed),
		"notCreated":   toAnyErrorMap(result.NotCreated),
		"notUpdated":   toAnyErrorMap(result.NotUpdated),
		"notDestroyed": toAnyErrorMap(result.NotDestroyed),
	}, nil
}

func (h *Handler) rejectCreate() verb.CreateFunc {
	return func(creationID string, props jmap.Args) (string, map[string]any, *verb.SetError) {
		return "", nil, &verb.SetError{Type: "invalidProperties", Description: "Email/set cannot create messages; use Email/import"}
	}
}

func (h *Handler) update(ctx context.Context, accountID string) verb.UpdateFunc {
	return func(id string, props jmap.Args) (map[string]any, *verb.SetError) {
		item, err := h.repo.GetEmail(ctx, accountID, id)
		if errors.Is(err, ErrEmailNotFound) {
			return nil, &verb.SetError{Type: "notFound"}
		}
		if err != nil {
			return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}

		if mailboxIDs, ok := props.Object("mailboxIds"); ok {
			newIDs := boolMapFromArgs(mailboxIDs)
			if len(newIDs) == 0 {
				return nil, &verb.SetError{Type: "invalidProperties", Description: "mailboxIds must not be empty"}
			}
			if _, _, err := h.repo.UpdateEmailMailboxes(ctx, accountID, id, newIDs); err != nil {
				return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
			}
		}

		if keywords, ok := props.Object("keywords"); ok {
			newKeywords := boolMapFromArgs(keywords)
			if _, err := h.repo.UpdateEmailKeywords(ctx, accountID, id, newKeywords, item.Version); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					return nil, &verb.SetError{Type: "stateMismatch", Description: "email was concurrently modified"}
				}
				return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
			}
		}

		if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeEmail, id, state.ChangeTypeUpdated); err != nil {
			return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if item.ThreadID != "" {
			if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeThread, item.ThreadID, state.ChangeTypeUpdated); err != nil {
				return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
			}
		}
		return nil, nil
	}
}

func (h *Handler) destroy(ctx context.Context, accountID string) verb.DestroyFunc {
	return func(id string) *verb.SetError {
		item, err := h.repo.GetEmail(ctx, accountID, id)
		if errors.Is(err, ErrEmailNotFound) {
			return &verb.SetError{Type: "notFound"}
		}
		if err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if err := h.repo.DeleteEmail(ctx, item); err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeEmail, id, state.ChangeTypeDestroyed); err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if item.ThreadID != "" {
			remaining, err := h.repo.FindByThreadID(ctx, accountID, item.ThreadID)
			if err != nil {
				return &verb.SetError{Type: "serverFail", Description: err.Error()}
			}
			threadChangeType := state.ChangeTypeUpdated
			if len(remaining) == 0 {
				threadChangeType = state.ChangeTypeDestroyed
			}
			if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeThread, item.ThreadID, threadChangeType); err != nil {
				return &verb.SetError{Type: "serverFail", Description: err.Error()}
			}
		}
		return nil
	}
}

func (h *Handler) fetchForPatch(ctx context.Context, accountID string) func(id string, properties []string) (map[string]any, bool) {
	return func(id string, properties []string) (map[string]any, bool) {
		item, err := h.repo.GetEmail(ctx, accountID, id)
		if err != nil {
			return nil, false
		}
		return project(item, properties), true
	}
}

// emailStore adapts the Email handler's backing store to verb.Store. Like
// mailboxStore, Sync is a no-op — DynamoDB reads are read-your-writes
// consistent within this process.
type emailStore struct {
	h         *Handler
	ctx       context.Context
	accountID string
}

func (s *emailStore) Lock()       { s.h.mu.Lock() }
func (s *emailStore) Unlock()     { s.h.mu.Unlock() }
func (s *emailStore) Sync() error { return nil }
func (s *emailStore) State() (string, error) {
	v, err := s.h.stateRepo.GetCurrentState(s.ctx, s.accountID, state.ObjectTypeEmail)
	if err != nil {
		return "", err
	}
	return formatState(v), nil
}
