package thread

import (
	"context"
	"testing"
	"time"

	"github.com/jmap-core/dispatchd/internal/email"
	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/state"
)

// fakeRepository is a hand-written test double implementing Repository.
type fakeRepository struct {
	byThread map[string][]*email.EmailItem
}

func (f *fakeRepository) FindByThreadID(ctx context.Context, accountID, threadID string) ([]*email.EmailItem, error) {
	return f.byThread[threadID], nil
}

// fakeStateRepository is a hand-written test double implementing StateRepository.
type fakeStateRepository struct {
	current int64
	records []state.ChangeRecord
	oldest  int64
}

func (f *fakeStateRepository) GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error) {
	return f.current, nil
}

func (f *fakeStateRepository) QueryChanges(ctx context.Context, accountID string, objectType state.ObjectType, sinceState int64, maxChanges int) ([]state.ChangeRecord, error) {
	var out []state.ChangeRecord
	for _, r := range f.records {
		if r.State > sinceState {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStateRepository) GetOldestAvailableState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error) {
	return f.oldest, nil
}

func TestHandlerGet_OrdersByReceivedAt(t *testing.T) {
	repo := &fakeRepository{byThread: map[string][]*email.EmailItem{
		"t1": {
			{EmailID: "e2", ThreadID: "t1", ReceivedAt: time.Unix(200, 0)},
			{EmailID: "e1", ThreadID: "t1", ReceivedAt: time.Unix(100, 0)},
		},
	}}
	stateRepo := &fakeStateRepository{current: 2}
	h := NewHandler(repo, stateRepo)

	result, err := h.Get(context.Background(), "a1", jmap.Args{"ids": []any{"t1"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	list, ok := result["list"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("Get() list = %#v, want one entry", result["list"])
	}
	obj := list[0].(map[string]any)
	emailIDs, ok := obj["emailIds"].([]any)
	if !ok || len(emailIDs) != 2 || emailIDs[0] != "e1" || emailIDs[1] != "e2" {
		t.Errorf("Get() emailIds = %#v, want [e1 e2]", obj["emailIds"])
	}
}

func TestHandlerGet_NotFound(t *testing.T) {
	repo := &fakeRepository{byThread: map[string][]*email.EmailItem{}}
	stateRepo := &fakeStateRepository{}
	h := NewHandler(repo, stateRepo)

	result, err := h.Get(context.Background(), "a1", jmap.Args{"ids": []any{"missing"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	notFound, ok := result["notFound"].([]any)
	if !ok || len(notFound) != 1 || notFound[0] != "missing" {
		t.Errorf("Get() notFound = %#v, want [missing]", result["notFound"])
	}
}

func TestHandlerChanges(t *testing.T) {
	repo := &fakeRepository{byThread: map[string][]*email.EmailItem{}}
	stateRepo := &fakeStateRepository{}
	h := NewHandler(repo, stateRepo)
	ctx := context.Background()

	stateRepo.records = append(stateRepo.records, state.ChangeRecord{ObjectID: "t1", ChangeType: state.ChangeTypeUpdated, State: 1})
	stateRepo.current = 1

	result, err := h.Changes(ctx, "a1", jmap.Args{"sinceState": "0"})
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	updated, ok := result["updated"].([]any)
	if !ok || len(updated) != 1 || updated[0] != "t1" {
		t.Errorf("Changes() updated = %#v, want [t1]", result["updated"])
	}
}
