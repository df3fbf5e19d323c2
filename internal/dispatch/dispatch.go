// Package dispatch implements the method-call dispatcher: it walks a
// request's methodCalls in order, resolves each call's back-references
// against prior results, invokes the matching domain handler, and
// accumulates the responses into the reply envelope (spec §4.3).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jmap-core/dispatchd/internal/backref"
	"github.com/jmap-core/dispatchd/internal/jmap"
)

var logger = logging.New()

// Handler implements one JMAP method (e.g. "Mailbox/get"). accountID is
// the caller's resolved account (spec §4.3: accountId may be overridden
// per-call by args["accountId"] before the handler is invoked). args has
// already had its back-references resolved against ResultLog.
type Handler func(ctx context.Context, accountID string, args jmap.Args) (jmap.Args, *jmaperror.MethodError)

// Registry maps a method name to the handler that implements it.
type Registry map[string]Handler

// Dispatcher runs one request's methodCalls against a Registry.
type Dispatcher struct {
	registry Registry
}

// New creates a Dispatcher backed by registry.
func New(registry Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Run executes every call in req.MethodCalls in order and returns the
// accumulated response envelope (spec §4.3, §5 Ordering). defaultAccount
// is the account implied by the request as a whole (e.g. from
// authentication), used when a call omits an explicit accountId.
func (d *Dispatcher) Run(ctx context.Context, req jmap.Request, defaultAccount string) jmap.Response {
	log := jmap.NewResultLog()
	idMap := jmap.NewIdMap()

	for _, call := range req.MethodCalls {
		resp := d.runOne(ctx, call, log, idMap, defaultAccount)
		log.Append(call.CallTag, resp)
	}

	return jmap.Response{MethodResponses: log.All()}
}

// runOne resolves, dispatches, and recovers a single call, never letting
// a handler's panic abort the rest of the batch (spec §4.3: an unhandled
// failure in one call must not prevent later independent calls from
// running).
func (d *Dispatcher) runOne(ctx context.Context, call jmap.MethodCall, log *jmap.ResultLog, idMap *jmap.IdMap, defaultAccount string) (resp jmap.MethodResponse) {
	tracer := tracing.Tracer("jmap-dispatch")
	ctx, span := tracer.Start(ctx, call.Method)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "handler panicked",
				slog.String("method", call.Method),
				slog.String("call_tag", call.CallTag),
				slog.String("panic", fmt.Sprintf("%v", r)),
			)
			resp = errorResponse(call.CallTag, jmaperror.ServerFail("internal error", fmt.Errorf("%v", r)))
		}
	}()

	handler, ok := d.registry[call.Method]
	if !ok {
		return errorResponse(call.CallTag, jmaperror.UnknownMethod("no handler registered for "+call.Method))
	}

	resolved, err := backref.Resolve(call.Args, log)
	if err != nil {
		return errorResponse(call.CallTag, &jmaperror.MethodError{
			ErrType:     "invalidResultReference",
			Description: err.Error(),
		})
	}

	accountID := defaultAccount
	if acc := resolved.StringOr("accountId", ""); acc != "" {
		accountID = acc
	}

	resolved = resolveIDReferences(resolved, idMap)

	result, methodErr := handler(ctx, accountID, resolved)
	if methodErr != nil {
		return errorResponse(call.CallTag, methodErr)
	}

	registerCreatedIDs(result, idMap)

	return jmap.MethodResponse{Name: call.Method, Result: result, CallTag: call.CallTag}
}

// registerCreatedIDs records every object a /set call just created into
// idMap, keyed by its creationId, so a *later* call in the same batch can
// reference it with "#cid" (spec §3 Invariants, §5 Ordering). Domain
// handlers render /set responses with a top-level "created" object
// exactly as internal/verb.Set returns it: creationId -> {"id": ..., ...}.
func registerCreatedIDs(result jmap.Args, idMap *jmap.IdMap) {
	created, ok := result["created"].(map[string]any)
	if !ok {
		return
	}
	for creationID, obj := range created {
		objMap, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := objMap["id"].(string); ok {
			idMap.Set(creationID, id)
		}
	}
}

// resolveIDReferences rewrites every "#cid"-style creation reference
// found anywhere in args — a string value, a string inside a nested
// list/object (e.g. "destroy": ["#m1"]), or an object key (e.g.
// "mailboxIds": {"#m1": true}) — to its server-assigned id, using idMap
// (spec §3 Invariants: creation ids are only valid within the request
// that created them). Resolution is best-effort: a "#cid" that idMap
// cannot yet resolve is left untouched rather than failing the call here,
// because it may name a creation from *this very call*'s own "create"
// block — internal/verb.Set (and any other per-object create/update/
// destroy path) resolves those once its own creates have run, turning a
// still-unresolvable placeholder into a per-object notFound rather than
// aborting the whole call.
func resolveIDReferences(args jmap.Args, idMap *jmap.IdMap) jmap.Args {
	return jmap.Args(resolveValue(map[string]any(args), idMap).(map[string]any))
}

func resolveValue(v any, idMap *jmap.IdMap) any {
	switch val := v.(type) {
	case string:
		if len(val) == 0 || val[0] != '#' {
			return val
		}
		if resolved, err := idMap.ResolveRef(val); err == nil {
			return resolved
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = resolveValue(elem, idMap)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolvedKey := k
			if len(k) > 0 && k[0] == '#' {
				if rk, err := idMap.ResolveRef(k); err == nil {
					resolvedKey = rk
				}
			}
			out[resolvedKey] = resolveValue(elem, idMap)
		}
		return out
	default:
		return val
	}
}

func errorResponse(callTag string, methodErr *jmaperror.MethodError) jmap.MethodResponse {
	return jmap.MethodResponse{Name: "error", Result: jmap.Args(methodErr.ToMap()), CallTag: callTag}
}
