package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// TableDefinition returns the CreateTable input for the single table with its
// direct-id (GSI1) and status (GSI2) indexes.
func TableDefinition(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(mangaflow.AttrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(mangaflow.AttrSK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(mangaflow.AttrGSI1PK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(mangaflow.AttrGSI1SK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(mangaflow.AttrGSI2PK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(mangaflow.AttrGSI2SK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(mangaflow.AttrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(mangaflow.AttrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(string(mangaflow.IndexGSI1)),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(mangaflow.AttrGSI1PK), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(mangaflow.AttrGSI1SK), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(string(mangaflow.IndexGSI2)),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(mangaflow.AttrGSI2PK), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(mangaflow.AttrGSI2SK), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// CreateTable provisions the table and waits until it is active.
// An existing table is left untouched.
func CreateTable(ctx context.Context, admin TableAdmin, tableName string, wait time.Duration) error {
	_, err := admin.CreateTable(ctx, TableDefinition(tableName))
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if wait <= 0 {
		return nil
	}

	// Wait for table to be active
	waiter := dynamodb.NewTableExistsWaiter(admin)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, wait)
}
