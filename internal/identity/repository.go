// Package identity implements the read-only Identity/get verb
// (SPEC_FULL.md §4.8): the sending identities available to an account,
// each assignable to EmailSubmission/Email/Identity.
package identity

import (
	"context"

	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jmap-core/dispatchd/internal/genericrecord"
)

// TypePrefix is this type's DynamoDB sort-key prefix (internal/dynamo
// convention).
const TypePrefix = "IDENTITY#"

// Item is one sending identity (spec §4.8; RFC 8621 §6.1).
type Item struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	ReplyTo       string `json:"replyTo,omitempty"`
	BCC           string `json:"bcc,omitempty"`
	TextSignature string `json:"textSignature,omitempty"`
	HTMLSignature string `json:"htmlSignature,omitempty"`
	MayDelete     bool   `json:"mayDelete"`
}

// Repository is the DynamoDB-backed store for Item, built on
// internal/genericrecord since Identity has no teacher precedent.
type Repository struct {
	store *genericrecord.Store
}

// NewRepository creates a Repository.
func NewRepository(client dbclient.DynamoDBClient, tableName string) *Repository {
	return &Repository{store: genericrecord.NewStore(client, tableName, TypePrefix)}
}

// GetIdentity fetches one identity, returning genericrecord.ErrNotFound
// if it doesn't exist.
func (r *Repository) GetIdentity(ctx context.Context, accountID, id string) (*Item, error) {
	var item Item
	if err := r.store.Get(ctx, accountID, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetAllIdentities lists every identity for accountID.
func (r *Repository) GetAllIdentities(ctx context.Context, accountID string) ([]*Item, error) {
	var out []*Item
	err := r.store.List(ctx, accountID, func() any { return &Item{} }, func(v any) {
		out = append(out, v.(*Item))
	})
	return out, err
}
