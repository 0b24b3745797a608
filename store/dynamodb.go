package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// DynamoDBTable implements mangaflow.ItemTable using AWS DynamoDB
type DynamoDBTable struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBTable creates a new DynamoDB-backed item table
func NewDynamoDBTable(client DynamoDBClient, tableName string) *DynamoDBTable {
	return &DynamoDBTable{
		client:    client,
		tableName: tableName,
	}
}

var _ mangaflow.ItemTable = (*DynamoDBTable)(nil)

func (t *DynamoDBTable) Create(ctx context.Context, item mangaflow.Item) error {
	item = withStatusIndex(item)

	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return mangaflow.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create item: %w", err)
	}

	return nil
}

func (t *DynamoDBTable) Get(ctx context.Context, key mangaflow.Key) (mangaflow.Item, error) {
	result, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.tableName),
		Key:            primaryKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	if result.Item == nil {
		return nil, mangaflow.ErrItemNotFound
	}

	return result.Item, nil
}

func (t *DynamoDBTable) QueryPrefix(ctx context.Context, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	if skPrefix != "" {
		input.KeyConditionExpression = aws.String("PK = :pk AND begins_with(SK, :sk)")
		input.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{Value: skPrefix}
	}

	return t.query(ctx, input, opts)
}

func (t *DynamoDBTable) QueryIndex(ctx context.Context, index mangaflow.Index, pk, skPrefix string, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	pkAttr, skAttr, err := indexAttributes(index)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.tableName),
		IndexName:              aws.String(string(index)),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :pk", pkAttr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	if skPrefix != "" {
		input.KeyConditionExpression = aws.String(fmt.Sprintf("%s = :pk AND begins_with(%s, :sk)", pkAttr, skAttr))
		input.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{Value: skPrefix}
	}

	return t.query(ctx, input, opts)
}

// query paginates until the limit is met or the partition is exhausted.
// With an entity filter DynamoDB applies Limit before filtering, so the
// request limit is only pushed down when no filter is set.
func (t *DynamoDBTable) query(ctx context.Context, input *dynamodb.QueryInput, opts mangaflow.QueryOptions) ([]mangaflow.Item, error) {
	input.ScanIndexForward = aws.Bool(!opts.Descending)

	if opts.EntityType != "" {
		input.FilterExpression = aws.String("#et = :et")
		input.ExpressionAttributeNames = map[string]string{"#et": mangaflow.AttrEntityType}
		input.ExpressionAttributeValues[":et"] = &types.AttributeValueMemberS{Value: opts.EntityType.String()}
	} else if opts.Limit > 0 {
		input.Limit = aws.Int32(int32(opts.Limit))
	}

	var items []mangaflow.Item
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := t.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query items: %w", err)
		}

		for _, item := range result.Items {
			items = append(items, item)
			if opts.Limit > 0 && len(items) >= opts.Limit {
				return items, nil
			}
		}

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return items, nil
}

func (t *DynamoDBTable) Update(ctx context.Context, key mangaflow.Key, update mangaflow.Update) (mangaflow.Item, error) {
	expr, err := buildUpdateExpression(update)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.tableName),
		Key:                       primaryKey(key),
		UpdateExpression:          aws.String(expr.update),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if expr.condition != "" {
		input.ConditionExpression = aws.String(expr.condition)
	}

	result, err := t.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, mangaflow.ErrConditionFailed
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	return result.Attributes, nil
}

type updateExpression struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

// buildUpdateExpression renders a SET expression with positional placeholders.
// Attributes are visited in sorted order so identical updates render identically.
func buildUpdateExpression(update mangaflow.Update) (*updateExpression, error) {
	if len(update.Set) == 0 {
		return nil, errors.New("update has no attributes to set")
	}

	set, err := setWithStatusIndex(update.Set)
	if err != nil {
		return nil, err
	}

	expr := &updateExpression{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}

	attrs := make([]string, 0, len(set))
	for name := range set {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	clauses := make([]string, 0, len(attrs))
	for i, name := range attrs {
		n := fmt.Sprintf("#a%d", i)
		v := fmt.Sprintf(":a%d", i)
		expr.names[n] = name
		expr.values[v] = set[name]
		clauses = append(clauses, fmt.Sprintf("%s = %s", n, v))
	}
	expr.update = "SET " + strings.Join(clauses, ", ")

	var conds []string
	cond := update.Condition
	if cond.MustExist {
		conds = append(conds, "attribute_exists(PK)")
	}
	if len(cond.StatusNotIn) > 0 {
		expr.names["#cs"] = mangaflow.AttrStatus
		placeholders := make([]string, 0, len(cond.StatusNotIn))
		for i, s := range cond.StatusNotIn {
			v := fmt.Sprintf(":cs%d", i)
			expr.values[v] = &types.AttributeValueMemberS{Value: string(s)}
			placeholders = append(placeholders, v)
		}
		conds = append(conds, fmt.Sprintf("NOT (#cs IN (%s))", strings.Join(placeholders, ", ")))
	}
	if len(cond.Equals) > 0 {
		eqAttrs := make([]string, 0, len(cond.Equals))
		for name := range cond.Equals {
			eqAttrs = append(eqAttrs, name)
		}
		sort.Strings(eqAttrs)
		for i, name := range eqAttrs {
			n := fmt.Sprintf("#ce%d", i)
			v := fmt.Sprintf(":ce%d", i)
			expr.names[n] = name
			expr.values[v] = cond.Equals[name]
			conds = append(conds, fmt.Sprintf("%s = %s", n, v))
		}
	}
	expr.condition = strings.Join(conds, " AND ")

	return expr, nil
}

func primaryKey(key mangaflow.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		mangaflow.AttrPK: &types.AttributeValueMemberS{Value: key.PK},
		mangaflow.AttrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

func indexAttributes(index mangaflow.Index) (string, string, error) {
	switch index {
	case mangaflow.IndexGSI1:
		return mangaflow.AttrGSI1PK, mangaflow.AttrGSI1SK, nil
	case mangaflow.IndexGSI2:
		return mangaflow.AttrGSI2PK, mangaflow.AttrGSI2SK, nil
	default:
		return "", "", fmt.Errorf("unknown index %q", index)
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
