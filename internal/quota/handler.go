package quota

import (
	"context"
	"errors"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"

	"github.com/jmap-core/dispatchd/internal/genericrecord"
	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/state"
	"github.com/jmap-core/dispatchd/internal/verb"
)

// HandlerRepository is the subset of *Repository the handler needs — a
// local interface so handler_test.go can fake it, per internal/mailbox's
// Repository/fakeRepository pattern.
type HandlerRepository interface {
	GetQuota(ctx context.Context, accountID, id string) (*Item, error)
	GetAllQuotas(ctx context.Context, accountID string) ([]*Item, error)
}

// StateRepository is the subset of internal/state.Repository the Quota
// handler needs.
type StateRepository interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// Handler implements Quota/get (SPEC_FULL.md §4.8: read-only).
type Handler struct {
	repo      HandlerRepository
	stateRepo StateRepository
}

// NewHandler creates a Quota Handler.
func NewHandler(repo HandlerRepository, stateRepo StateRepository) *Handler {
	return &Handler{repo: repo, stateRepo: stateRepo}
}

// Get implements Quota/get.
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
		func() ([]*Item, error) { return h.repo.GetAllQuotas(ctx, accountID) },
		func(id string) (*Item, bool, error) {
			item, err := h.repo.GetQuota(ctx, accountID, id)
			if errors.Is(err, genericrecord.ErrNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return item, true, nil
		},
		project,
	)
	if err != nil {
		return nil, jmaperror.ServerFail(err.Error(), err)
	}

	currentState, err := h.stateRepo.GetCurrentState(ctx, accountID, state.ObjectTypeQuota)
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
