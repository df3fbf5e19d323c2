// Package storagenode implements the read-only StorageNode/get and
// StorageNode/query verbs (SPEC_FULL.md §4.8): the set of blob-storage
// backends available to an account (e.g. distinct S3 buckets/regions a
// deployment might split large attachments across).
package storagenode

import (
	"context"

	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jmap-core/dispatchd/internal/genericrecord"
)

// TypePrefix is this type's DynamoDB sort-key prefix (internal/dynamo
// convention).
const TypePrefix = "STORAGENODE#"

// Item is one storage node descriptor.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
	Used     int64  `json:"used"`
	Region   string `json:"region,omitempty"`
}

// Repository is the DynamoDB-backed store for Item, built on
// internal/genericrecord since StorageNode has no teacher precedent.
type Repository struct {
	store *genericrecord.Store
}

// NewRepository creates a Repository.
func NewRepository(client dbclient.DynamoDBClient, tableName string) *Repository {
	return &Repository{store: genericrecord.NewStore(client, tableName, TypePrefix)}
}

// GetStorageNode fetches one storage node, returning
// genericrecord.ErrNotFound if it doesn't exist.
func (r *Repository) GetStorageNode(ctx context.Context, accountID, id string) (*Item, error) {
	var item Item
	if err := r.store.Get(ctx, accountID, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetAllStorageNodes lists every storage node for accountID.
func (r *Repository) GetAllStorageNodes(ctx context.Context, accountID string) ([]*Item, error) {
	var out []*Item
	err := r.store.List(ctx, accountID, func() any { return &Item{} }, func(v any) {
		out = append(out, v.(*Item))
	})
	return out, err
}
