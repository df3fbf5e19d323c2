// Package quota implements the read-only Quota/get verb (SPEC_FULL.md
// §4.8): the account's resource usage limits (mail storage, thread
// count, and so on).
package quota

import (
	"context"

	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jmap-core/dispatchd/internal/genericrecord"
)

// TypePrefix is this type's DynamoDB sort-key prefix (internal/dynamo
// convention).
const TypePrefix = "QUOTA#"

// Item is one quota record (RFC 9425).
type Item struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	Used         int64  `json:"used"`
	HardLimit    int64  `json:"hardLimit"`
	WarnLimit    int64  `json:"warnLimit,omitempty"`
	SoftLimit    int64  `json:"softLimit,omitempty"`
	Scope        string `json:"scope"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Repository is the DynamoDB-backed store for Item, built on
// internal/genericrecord since Quota has no teacher precedent.
type Repository struct {
	store *genericrecord.Store
}

// NewRepository creates a Repository.
func NewRepository(client dbclient.DynamoDBClient, tableName string) *Repository {
	return &Repository{store: genericrecord.NewStore(client, tableName, TypePrefix)}
}

// GetQuota fetches one quota record, returning genericrecord.ErrNotFound
// if it doesn't exist.
func (r *Repository) GetQuota(ctx context.Context, accountID, id string) (*Item, error) {
	var item Item
	if err := r.store.Get(ctx, accountID, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetAllQuotas lists every quota record for accountID.
func (r *Repository) GetAllQuotas(ctx context.Context, accountID string) ([]*Item, error) {
	var out []*Item
	err := r.store.List(ctx, accountID, func() any { return &Item{} }, func(v any) {
		out = append(out, v.(*Item))
	})
	return out, err
}
