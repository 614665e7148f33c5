package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// CounterStore implements the analytics counter port on DynamoDB. Deltas
// apply via ADD updates so concurrent flushes from multiple instances never
// lose increments.
type CounterStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewCounterStore creates a DynamoDB-backed counter store sharing the
// records table.
func NewCounterStore(client *dynamodb.Client, tablePrefix string, logger *zap.Logger) *CounterStore {
	return &CounterStore{
		client:    client,
		tableName: tablePrefix + recordsTableSuffix,
		logger:    logger,
	}
}

func totalsPK(scope ports.CounterScope) string {
	return fmt.Sprintf("CNT#%s#%s#%s", scope.DBName, scope.Collection, scope.TenantID)
}

func uniqueSK(rule, property, value string) string {
	return fmt.Sprintf("UNIQ#%s#%s#%s", rule, property, value)
}

// Apply folds one debounce window's deltas into the stored counters
func (s *CounterStore) Apply(ctx context.Context, batch *ports.CounterBatch) error {
	pk := totalsPK(batch.Scope)

	sets := []string{"Created :c", "Updated :u", "Deleted :d"}
	values := map[string]types.AttributeValue{
		":c": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", batch.Totals.Created)},
		":u": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", batch.Totals.Updated)},
		":d": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", batch.Totals.Deleted)},
	}
	names := map[string]string{}
	i := 0
	for rule, n := range batch.Totals.Rules {
		ph := fmt.Sprintf(":r%d", i)
		nm := fmt.Sprintf("#r%d", i)
		sets = append(sets, fmt.Sprintf("%s %s", nm, ph))
		values[ph] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
		names[nm] = "Rule_" + rule
		i++
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "TOTALS"},
		},
		UpdateExpression:          aws.String("ADD " + strings.Join(sets, ", ")),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return cerrors.NewStorage("applying counter totals", err)
	}

	for rule, props := range batch.Unique {
		for prop, byValue := range props {
			for value, n := range byValue {
				_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: uniqueSK(rule, prop, value)},
					},
					UpdateExpression: aws.String("ADD OccurrenceCount :n SET RuleName = :rule, PropertyName = :prop, PropertyValue = :value"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":n":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
						":rule":  &types.AttributeValueMemberS{Value: rule},
						":prop":  &types.AttributeValueMemberS{Value: prop},
						":value": &types.AttributeValueMemberS{Value: value},
					},
				})
				if err != nil {
					return cerrors.NewStorage("applying unique counter", err)
				}
			}
		}
	}
	return nil
}

// GetTotals returns the totals row for a scope, zero-valued when absent
func (s *CounterStore) GetTotals(ctx context.Context, scope ports.CounterScope) (*ports.CounterTotals, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: totalsPK(scope)},
			"SK": &types.AttributeValueMemberS{Value: "TOTALS"},
		},
	})
	if err != nil {
		return nil, cerrors.NewStorage("reading counter totals", err)
	}
	totals := &ports.CounterTotals{Scope: scope, Rules: map[string]int64{}}
	if out.Item == nil {
		return totals, nil
	}

	var row map[string]int64
	raw := make(map[string]interface{})
	if err := attributevalue.UnmarshalMap(out.Item, &raw); err != nil {
		return nil, cerrors.NewStorage("decoding counter totals", err)
	}
	row = make(map[string]int64)
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			row[k] = int64(f)
		}
	}
	totals.Created = row["Created"]
	totals.Updated = row["Updated"]
	totals.Deleted = row["Deleted"]
	for k, v := range row {
		if strings.HasPrefix(k, "Rule_") {
			totals.Rules[strings.TrimPrefix(k, "Rule_")] = v
		}
	}
	return totals, nil
}

// GetUnique returns the distinct-value rows of a countUnique rule
func (s *CounterStore) GetUnique(ctx context.Context, scope ports.CounterScope, ruleName, property string) ([]ports.UniqueRow, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: totalsPK(scope)},
			":prefix": &types.AttributeValueMemberS{Value: fmt.Sprintf("UNIQ#%s#%s#", ruleName, property)},
		},
	}

	rows := make([]ports.UniqueRow, 0)
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("querying unique counters", err)
		}
		for _, item := range out.Items {
			var rec struct {
				PropertyValue   string `dynamodbav:"PropertyValue"`
				OccurrenceCount int64  `dynamodbav:"OccurrenceCount"`
			}
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			rows = append(rows, ports.UniqueRow{Value: rec.PropertyValue, Count: rec.OccurrenceCount})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Value < rows[j].Value })
	return rows, nil
}

var _ ports.CounterStore = (*CounterStore)(nil)
