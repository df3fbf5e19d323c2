// Package main is the single Lambda entrypoint that receives one whole
// JMAP request envelope per invocation and runs it through the
// dispatcher (spec §4.3, §6), replacing the teacher's one-Lambda-per-
// method layout.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"

	"github.com/jmap-core/dispatchd/internal/dispatch"
	"github.com/jmap-core/dispatchd/internal/email"
	"github.com/jmap-core/dispatchd/internal/identity"
	"github.com/jmap-core/dispatchd/internal/jmap"
	"github.com/jmap-core/dispatchd/internal/mailbox"
	"github.com/jmap-core/dispatchd/internal/quota"
	"github.com/jmap-core/dispatchd/internal/state"
	"github.com/jmap-core/dispatchd/internal/storagenode"
	"github.com/jmap-core/dispatchd/internal/thread"
)

var logger = logging.New()

const dbWarmupTimeout = 5 * time.Second

// server wires the dispatcher's handler Registry to the per-domain
// handler packages, and adapts the Lambda event to jmap.Request/Response.
type server struct {
	dispatcher *dispatch.Dispatcher
}

func (s *server) handle(ctx context.Context, req jmap.Request) (jmap.Response, error) {
	return s.dispatcher.Run(ctx, req, ""), nil
}

func buildRegistry(
	mailboxHandler *mailbox.Handler,
	emailHandler *email.Handler,
	threadHandler *thread.Handler,
	identityHandler *identity.Handler,
	quotaHandler *quota.Handler,
	storageNodeHandler *storagenode.Handler,
) dispatch.Registry {
	return dispatch.Registry{
		"Mailbox/get":     mailboxHandler.Get,
		"Mailbox/changes": mailboxHandler.Changes,
		"Mailbox/query":   mailboxHandler.Query,
		"Mailbox/set":     mailboxHandler.Set,

		"Email/get":     emailHandler.Get,
		"Email/changes": emailHandler.Changes,
		"Email/query":   emailHandler.Query,
		"Email/set":     emailHandler.Set,

		"Thread/get":     threadHandler.Get,
		"Thread/changes": threadHandler.Changes,

		"Identity/get": identityHandler.Get,

		"Quota/get": quotaHandler.Get,

		"StorageNode/get":   storageNodeHandler.Get,
		"StorageNode/query": storageNodeHandler.Query,
		// Email/queryChanges, Email/copy, Email/import, Calendar,
		// CalendarEvent, Addressbook, Contact, ContactGroup,
		// EmailSubmission, UserPreferences, ClientPreferences,
		// CalendarPreferences, VacationResponse, and SearchSnippet
		// handlers are registered here as their packages are brought
		// onto the internal/verb framework (see DESIGN.md Pending).
	}
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	tableName := os.Getenv("EMAIL_TABLE_NAME")
	retentionDays := 7

	dynamoClient := dbclient.NewClient(result.Config)

	warmCtx, cancel := context.WithTimeout(ctx, dbWarmupTimeout)
	_, _ = dynamoClient.GetItem(warmCtx, &dynamodb.GetItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "WARMUP"},
			"sk": &types.AttributeValueMemberS{Value: "WARMUP"},
		},
	})
	cancel()

	stateRepo := state.NewRepository(dynamoClient, tableName, retentionDays)
	mailboxRepo := mailbox.NewDynamoDBRepository(dynamoClient, tableName)
	mailboxHandler := mailbox.NewHandler(mailboxRepo, stateRepo)

	emailRepo := email.NewRepository(dynamoClient, tableName)
	emailHandler := email.NewHandler(emailRepo, stateRepo)
	threadHandler := thread.NewHandler(emailRepo, stateRepo)

	identityRepo := identity.NewRepository(dynamoClient, tableName)
	identityHandler := identity.NewHandler(identityRepo, stateRepo)

	quotaRepo := quota.NewRepository(dynamoClient, tableName)
	quotaHandler := quota.NewHandler(quotaRepo, stateRepo)

	storageNodeRepo := storagenode.NewRepository(dynamoClient, tableName)
	storageNodeHandler := storagenode.NewHandler(storageNodeRepo, stateRepo)

	s := &server{dispatcher: dispatch.New(buildRegistry(
		mailboxHandler,
		emailHandler,
		threadHandler,
		identityHandler,
		quotaHandler,
		storageNodeHandler,
	))}
	result.Start(s.handle)
}
