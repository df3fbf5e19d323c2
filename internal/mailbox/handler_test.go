package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/state"
)

// fakeRepository is a hand-written test double implementing Repository.
type fakeRepository struct {
	mailboxes map[string]*MailboxItem
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{mailboxes: make(map[string]*MailboxItem)}
}

func (f *fakeRepository) GetMailbox(ctx context.Context, accountID, mailboxID string) (*MailboxItem, error) {
	m, ok := f.mailboxes[mailboxID]
	if !ok {
		return nil, ErrMailboxNotFound
	}
	return m, nil
}

func (f *fakeRepository) GetAllMailboxes(ctx context.Context, accountID string) ([]*MailboxItem, error) {
	out := make([]*MailboxItem, 0, len(f.mailboxes))
	for _, m := range f.mailboxes {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRepository) CreateMailbox(ctx context.Context, m *MailboxItem) error {
	if m.Role != "" {
		for _, existing := range f.mailboxes {
			if existing.Role == m.Role {
				return ErrRoleAlreadyExists
			}
		}
	}
	f.mailboxes[m.MailboxID] = m
	return nil
}

func (f *fakeRepository) UpdateMailbox(ctx context.Context, m *MailboxItem) error {
	if _, ok := f.mailboxes[m.MailboxID]; !ok {
		return ErrMailboxNotFound
	}
	f.mailboxes[m.MailboxID] = m
	return nil
}

func (f *fakeRepository) DeleteMailbox(ctx context.Context, accountID, mailboxID string) error {
	if _, ok := f.mailboxes[mailboxID]; !ok {
		return ErrMailboxNotFound
	}
	delete(f.mailboxes, mailboxID)
	return nil
}

func (f *fakeRepository) IncrementCounts(ctx context.Context, accountID, mailboxID string, incrementUnread bool) error {
	return nil
}

func (f *fakeRepository) DecrementCounts(ctx context.Context, accountID, mailboxID string, decrementUnread bool) error {
	return nil
}

func (f *fakeRepository) MailboxExists(ctx context.Context, accountID, mailboxID string) (bool, error) {
	_, ok := f.mailboxes[mailboxID]
	return ok, nil
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

func (f *fakeStateRepository) IncrementStateAndLogChange(ctx context.Context, accountID string, objectType state.ObjectType, objectID string, changeType state.ChangeType) (int64, error) {
	f.current++
	f.records = append(f.records, state.ChangeRecord{ObjectID: objectID, ChangeType: changeType, State: f.current})
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

func TestHandlerGet_AllMailboxes(t *testing.T) {
	repo := newFakeRepository()
	repo.mailboxes["inbox"] = &MailboxItem{AccountID: "a1", MailboxID: "inbox", Name: "Inbox", Role: "inbox"}
	stateRepo := &fakeStateRepository{current: 3}

	h := NewHandler(repo, stateRepo)
	result, err := h.Get(context.Background(), "a1", jmap.Args{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	list, ok := result["list"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("Get() list = %#v, want one entry", result["list"])
	}
	obj := list[0].(map[string]any)
	if obj["id"] != "inbox" || obj["name"] != "Inbox" {
		t.Errorf("Get() list[0] = %#v, want id=inbox name=Inbox", obj)
	}
	if result["state"] != "3" {
		t.Errorf("Get() state = %v, want \"3\"", result["state"])
	}
}

func TestHandlerGet_NotFound(t *testing.T) {
	repo := newFakeRepository()
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

func TestHandlerSet_CreateThenDestroy(t *testing.T) {
	repo := newFakeRepository()
	stateRepo := &fakeStateRepository{}
	h := NewHandler(repo, stateRepo)

	createResult, err := h.Set(context.Background(), "a1", jmap.Args{
		"create": map[string]any{
			"m1": map[string]any{"name": "Inbox", "role": "inbox"},
		},
	})
	if err != nil {
		t.Fatalf("Set() create error = %v", err)
	}

	created, ok := createResult["created"].(map[string]any)
	if !ok {
		t.Fatalf("Set() created = %#v, want map", createResult["created"])
	}
	createdObj, ok := created["m1"].(map[string]any)
	if !ok {
		t.Fatalf("Set() created[\"m1\"] = %#v, want map", created["m1"])
	}
	newID, ok := createdObj["id"].(string)
	if !ok || newID == "" {
		t.Fatalf("Set() created[\"m1\"][\"id\"] = %#v, want non-empty string", createdObj["id"])
	}

	destroyResult, err := h.Set(context.Background(), "a1", jmap.Args{
		"destroy": []any{newID},
	})
	if err != nil {
		t.Fatalf("Set() destroy error = %v", err)
	}
	destroyed, ok := destroyResult["destroyed"].([]any)
	if !ok || len(destroyed) != 1 || destroyed[0] != newID {
		t.Errorf("Set() destroyed = %#v, want [%s]", destroyResult["destroyed"], newID)
	}

	if _, err := repo.GetMailbox(context.Background(), "a1", newID); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("GetMailbox() after destroy err = %v, want ErrMailboxNotFound", err)
	}
}

func TestHandlerSet_CreateDuplicateRole(t *testing.T) {
	repo := newFakeRepository()
	repo.mailboxes["inbox"] = &MailboxItem{AccountID: "a1", MailboxID: "inbox", Name: "Inbox", Role: "inbox"}
	stateRepo := &fakeStateRepository{}
	h := NewHandler(repo, stateRepo)

	result, err := h.Set(context.Background(), "a1", jmap.Args{
		"create": map[string]any{
			"m1": map[string]any{"name": "Inbox 2", "role": "inbox"},
		},
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	notCreated, ok := result["notCreated"].(map[string]any)
	if !ok {
		t.Fatalf("Set() notCreated = %#v, want map", result["notCreated"])
	}
	if _, ok := notCreated["m1"]; !ok {
		t.Errorf("Set() notCreated = %#v, want entry for m1", notCreated)
	}
}

func TestHandlerChanges(t *testing.T) {
	repo := newFakeRepository()
	stateRepo := &fakeStateRepository{}
	h := NewHandler(repo, stateRepo)
	ctx := context.Background()

	repo.mailboxes["m1"] = &MailboxItem{AccountID: "a1", MailboxID: "m1", Name: "One"}
	stateRepo.IncrementStateAndLogChange(ctx, "a1", state.ObjectTypeMailbox, "m1", state.ChangeTypeCreated)

	result, err := h.Changes(ctx, "a1", jmap.Args{"sinceState": "0"})
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	created, ok := result["created"].([]any)
	if !ok || len(created) != 1 || created[0] != "m1" {
		t.Errorf("Changes() created = %#v, want [m1]", result["created"])
	}
}
