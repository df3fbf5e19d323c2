package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/queryengine"
	"github.com/jmap-core/dispatchd/internal/state"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// StateRepository is the subset of internal/state.Repository the Mailbox
// handler needs.
type StateRepository interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
	IncrementStateAndLogChange(ctx context.Context, accountID string, objectType state.ObjectType, objectID string, changeType state.ChangeType) (int64, error)
	QueryChanges(ctx context.Context, accountID string, objectType state.ObjectType, sinceState int64, maxChanges int) ([]state.ChangeRecord, error)
	GetOldestAvailableState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// Handler implements the Mailbox/get, Mailbox/changes, Mailbox/query, and
// Mailbox/set verbs on top of Repository and StateRepository, using
// internal/verb's generic verb framework (spec §4.4, §4.8).
type Handler struct {
	repo      Repository
	stateRepo StateRepository
	mu        sync.Mutex
}

// NewHandler creates a Mailbox Handler.
func NewHandler(repo Repository, stateRepo StateRepository) *Handler {
	return &Handler{repo: repo, stateRepo: stateRepo}
}

// Get implements Mailbox/get (spec §4.4, §4.8).
func (h *Handler) Get(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	ids, hasIDs := args.StringSlice("ids")
	var idsArg []string
	if hasIDs {
		idsArg = ids
	} else if args.Has("ids") {
		return nil, jmaperror.InvalidArguments("ids must be an array of strings or null")
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
		idsArg,
		properties,
		func() ([]*MailboxItem, error) { return h.repo.GetAllMailboxes(ctx, accountID) },
		func(id string) (*MailboxItem, bool, error) {
			m, err := h.repo.GetMailbox(ctx, accountID, id)
			if errors.Is(err, ErrMailboxNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return m, true, nil
		},
		project,
	)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	currentState, err := h.stateRepo.GetCurrentState(ctx, accountID, state.ObjectTypeMailbox)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	return jmap.Args{
		"accountId": accountID,
		"state":     formatState(currentState),
		"list":      toAnySlice(list),
		"notFound":  notFoundOrEmpty(notFound),
	}, nil
}

// Changes implements Mailbox/changes (spec §4.4, §4.8), classifying the
// change log (not live row state, since mailboxes are hard-deleted) via
// verb.ClassifyChangeLog.
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

	oldest, err := h.stateRepo.GetOldestAvailableState(ctx, accountID, state.ObjectTypeMailbox)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}
	if sinceState < oldest {
		return nil, &jmaperror.MethodError{ErrType: "cannotCalculateChanges"}
	}

	records, err := h.stateRepo.QueryChanges(ctx, accountID, state.ObjectTypeMailbox, sinceState, maxChanges)
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

// Query implements Mailbox/query (spec §4.4, §4.8): mailboxes are
// filtered/sorted in-memory since an account's mailbox count is small.
func (h *Handler) Query(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	rows, err := h.repo.GetAllMailboxes(ctx, accountID)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	params, mErr := parseQueryParams(args)
	if mErr != nil {
		return nil, mErr
	}

	storage := queryengine.NewStorage()
	result, verr := verb.Query(rows, params, storage, mailboxLeafPredicate, mailboxSortKey, mailboxID, nil)
	if verr != nil {
		return nil, translateQueryError(verr)
	}

	currentState, err := h.stateRepo.GetCurrentState(ctx, accountID, state.ObjectTypeMailbox)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	return jmap.Args{
		"accountId":        accountID,
		"queryState":       formatState(currentState),
		"canCalculateChanges": true,
		"position":         result.Position,
		"ids":              toAnyStrings(result.IDs),
		"total":            result.Total,
	}, nil
}

// Set implements Mailbox/set (spec §4.4, §4.8).
func (h *Handler) Set(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError) {
	params, mErr := parseSetParams(args)
	if mErr != nil {
		return nil, mErr
	}

	store := &mailboxStore{h: h, ctx: ctx, accountID: accountID}
	idMap := jmap.NewIdMap()

	result, err := verb.Set(
		store,
		idMap,
		params,
		h.create(ctx, accountID),
		h.update(ctx, accountID),
		h.destroy(ctx, accountID),
		nil,
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

func (h *Handler) create(ctx context.Context, accountID string) verb.CreateFunc {
	return func(creationID string, props jmap.Args) (string, map[string]any, *verb.SetError) {
		name, ok := props.String("name")
		if !ok || name == "" {
			return "", nil, &verb.SetError{Type: "invalidProperties", Description: "name is required"}
		}
		role := props.StringOr("role", "")
		if role != "" && !ValidRoles[role] {
			return "", nil, &verb.SetError{Type: "invalidProperties", Description: "unknown role: " + role}
		}

		item := &MailboxItem{
			AccountID: accountID,
			MailboxID: uuid.NewString(),
			Name:      name,
			Role:      role,
			SortOrder: props.IntOr("sortOrder", 0),
		}
		if err := h.repo.CreateMailbox(ctx, item); err != nil {
			if errors.Is(err, ErrRoleAlreadyExists) {
				return "", nil, &verb.SetError{Type: "invalidProperties", Description: "a mailbox with this role already exists"}
			}
			return "", nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeMailbox, item.MailboxID, state.ChangeTypeCreated); err != nil {
			return "", nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		return item.MailboxID, nil, nil
	}
}

func (h *Handler) update(ctx context.Context, accountID string) verb.UpdateFunc {
	return func(id string, props jmap.Args) (map[string]any, *verb.SetError) {
		item, err := h.repo.GetMailbox(ctx, accountID, id)
		if errors.Is(err, ErrMailboxNotFound) {
			return nil, &verb.SetError{Type: "notFound"}
		}
		if err != nil {
			return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if name, ok := props.String("name"); ok {
			item.Name = name
		}
		if role, ok := props.String("role"); ok {
			if role != "" && !ValidRoles[role] {
				return nil, &verb.SetError{Type: "invalidProperties", Description: "unknown role: " + role}
			}
			item.Role = role
		}
		if sortOrder, ok := props.Int("sortOrder"); ok {
			item.SortOrder = sortOrder
		}
		if err := h.repo.UpdateMailbox(ctx, item); err != nil {
			return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeMailbox, id, state.ChangeTypeUpdated); err != nil {
			return nil, &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		return nil, nil
	}
}

func (h *Handler) destroy(ctx context.Context, accountID string) verb.DestroyFunc {
	return func(id string) *verb.SetError {
		mbox, err := h.repo.GetMailbox(ctx, accountID, id)
		if errors.Is(err, ErrMailboxNotFound) {
			return &verb.SetError{Type: "notFound"}
		}
		if err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if mbox.TotalEmails > 0 {
			return &verb.SetError{Type: "mailboxHasEmail", Description: "mailbox still contains messages"}
		}
		if err := h.repo.DeleteMailbox(ctx, accountID, id); err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		if _, err := h.stateRepo.IncrementStateAndLogChange(ctx, accountID, state.ObjectTypeMailbox, id, state.ChangeTypeDestroyed); err != nil {
			return &verb.SetError{Type: "serverFail", Description: err.Error()}
		}
		return nil
	}
}

// mailboxStore adapts the Mailbox handler's backing store to verb.Store.
// Sync is a no-op: DynamoDB reads are always consistent with prior writes
// from this process, so there is no external cache to resynchronize
// (unlike the IMAP/CalDAV-backed ExternalSync collaborators, spec §6).
type mailboxStore struct {
	h         *Handler
	ctx       context.Context
	accountID string
}

func (s *mailboxStore) Lock()   { s.h.mu.Lock() }
func (s *mailboxStore) Unlock() { s.h.mu.Unlock() }
func (s *mailboxStore) Sync() error { return nil }
func (s *mailboxStore) State() (string, error) {
	v, err := s.h.stateRepo.GetCurrentState(s.ctx, s.accountID, state.ObjectTypeMailbox)
	if err != nil {
		return "", err
	}
	return formatState(v), nil
}
