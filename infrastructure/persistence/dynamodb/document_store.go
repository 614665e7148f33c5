// Package dynamodb adapts the index-store, retry-queue and counter ports to
// DynamoDB. All rows of one logical database live in a single table with a
// PK/SK composite key and one GSI for counter-ordered head listing.
package dynamodb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

const (
	recordsTableSuffix = "records"
	cvIndexName        = "GSI1"
)

// Store implements the document store port on DynamoDB
type Store struct {
	client          *dynamodb.Client
	tableName       string
	useTransactions bool
	logger          *zap.Logger
}

// NewStore creates a DynamoDB-backed document store. The table name is the
// prefix plus "records"; EnsureIndexes creates it when absent.
func NewStore(client *dynamodb.Client, tablePrefix string, useTransactions bool, logger *zap.Logger) *Store {
	return &Store{
		client:          client,
		tableName:       tablePrefix + recordsTableSuffix,
		useTransactions: useTransactions,
		logger:          logger,
	}
}

// headRecord is the current-state row of one item
type headRecord struct {
	PK          string                 `dynamodbav:"PK"` // HEAD#<collection>
	SK          string                 `dynamodbav:"SK"` // ITEM#<idHex>
	GSI1PK      string                 `dynamodbav:"GSI1PK"`
	GSI1SK      string                 `dynamodbav:"GSI1SK"` // CV#<cv padded>#<idHex>
	IDHex       string                 `dynamodbav:"IDHex"`
	OV          int64                  `dynamodbav:"OV"`
	CV          int64                  `dynamodbav:"CV"`
	JSONBucket  string                 `dynamodbav:"JSONBucket"`
	JSONKey     string                 `dynamodbav:"JSONKey"`
	MetaIndexed map[string]interface{} `dynamodbav:"MetaIndexed,omitempty"`
	Size        int64                  `dynamodbav:"ByteSize"`
	SHA256      string                 `dynamodbav:"SHA256"`
	CreatedAt   string                 `dynamodbav:"CreatedAt"`
	UpdatedAt   string                 `dynamodbav:"UpdatedAt"`
	DeletedAt   string                 `dynamodbav:"DeletedAt,omitempty"`
	FullShadow  string                 `dynamodbav:"FullShadow,omitempty"`
	ShadowOV    int64                  `dynamodbav:"ShadowOV,omitempty"`
}

// versionRecord is one append-only history row
type versionRecord struct {
	PK          string                 `dynamodbav:"PK"` // VER#<collection>#<idHex>
	SK          string                 `dynamodbav:"SK"` // V#<ov padded>
	RowID       string                 `dynamodbav:"RowID"`
	IDHex       string                 `dynamodbav:"IDHex"`
	OV          int64                  `dynamodbav:"OV"`
	CV          int64                  `dynamodbav:"CV"`
	Op          string                 `dynamodbav:"Op"`
	AtNanos     int64                  `dynamodbav:"AtNanos"`
	At          string                 `dynamodbav:"At"`
	JSONBucket  string                 `dynamodbav:"JSONBucket"`
	JSONKey     string                 `dynamodbav:"JSONKey"`
	MetaIndexed map[string]interface{} `dynamodbav:"MetaIndexed,omitempty"`
	Size        int64                  `dynamodbav:"ByteSize"`
	SHA256      string                 `dynamodbav:"SHA256"`
	PrevOV      *int64                 `dynamodbav:"PrevOV,omitempty"`
	Actor       string                 `dynamodbav:"Actor,omitempty"`
	Reason      string                 `dynamodbav:"Reason,omitempty"`
	Collection  string                 `dynamodbav:"Collection"`
	IsVersion   bool                   `dynamodbav:"IsVersion"`
}

func headPK(collection string) string  { return "HEAD#" + collection }
func headSK(idHex string) string       { return "ITEM#" + idHex }
func verPK(col, idHex string) string   { return "VER#" + col + "#" + idHex }
func verSK(ov int64) string            { return fmt.Sprintf("V#%020d", ov) }
func counterPK(collection string) string { return "COUNTER#" + collection }

func cvSortKey(cv int64, idHex string) string {
	return fmt.Sprintf("CV#%020d#%s", cv, idHex)
}

type ddbTx struct {
	items []types.TransactWriteItem
}

// SupportsTransactions reports whether writes commit via TransactWriteItems
func (s *Store) SupportsTransactions() bool { return s.useTransactions }

// Begin starts a transaction; nil when transactions are disabled
func (s *Store) Begin(ctx context.Context) (ports.Transaction, error) {
	if !s.useTransactions {
		return nil, nil
	}
	return &ddbTx{}, nil
}

// Commit applies a transaction's write set via TransactWriteItems
func (s *Store) Commit(ctx context.Context, tx ports.Transaction) error {
	t, ok := tx.(*ddbTx)
	if !ok {
		return cerrors.NewInternal("foreign transaction handle")
	}
	if len(t.items) == 0 {
		return nil
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: t.items,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return cerrors.NewOptimisticLock(-1, -1)
				}
			}
		}
		return cerrors.NewTxn("transactional commit", err)
	}
	return nil
}

// Abort discards a transaction's write set
func (s *Store) Abort(tx ports.Transaction) {}

// EnsureIndexes creates the records table and its cv index when missing
func (s *Store) EnsureIndexes(ctx context.Context, collection string) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return cerrors.NewStorage("describing table "+s.tableName, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(cvIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI1PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI1SK"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil // concurrent create from another instance
		}
		return cerrors.NewStorage("creating table "+s.tableName, err)
	}
	s.logger.Info("Created records table",
		zap.String("table", s.tableName),
		zap.String("collection", collection),
	)
	return nil
}

// IncrementCounter bumps the collection counter atomically and returns the
// new cv. The counter row lives outside the transaction because DynamoDB
// transactions cannot return values.
func (s *Store) IncrementCounter(ctx context.Context, collection string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: counterPK(collection)},
			"SK": &types.AttributeValueMemberS{Value: "COUNTER"},
		},
		UpdateExpression: aws.String("ADD CV :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, cerrors.NewStorage("incrementing counter for "+collection, err)
	}
	var row struct {
		CV int64 `dynamodbav:"CV"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &row); err != nil {
		return 0, cerrors.NewStorage("decoding counter for "+collection, err)
	}
	return row.CV, nil
}

// InsertVersion appends a version row
func (s *Store) InsertVersion(ctx context.Context, collection string, v *entities.Version, tx ports.Transaction) error {
	item, err := attributevalue.MarshalMap(s.toVersionRecord(collection, v))
	if err != nil {
		return cerrors.NewStorage("marshaling version row", err)
	}
	if t, ok := tx.(*ddbTx); ok && t != nil {
		t.items = append(t.items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: item},
		})
		return nil
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return cerrors.NewStorage("inserting version row", err)
	}
	return nil
}

// UpdateHeadCAS writes the head row guarded by the optimistic lock
func (s *Store) UpdateHeadCAS(ctx context.Context, collection string, head *entities.Head, expectedPrevOV int64, tx ports.Transaction) error {
	item, err := attributevalue.MarshalMap(s.toHeadRecord(collection, head))
	if err != nil {
		return cerrors.NewStorage("marshaling head row", err)
	}

	var condition *string
	var values map[string]types.AttributeValue
	if expectedPrevOV < 0 {
		condition = aws.String("attribute_not_exists(PK)")
	} else {
		condition = aws.String("OV = :prev")
		values = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedPrevOV, 10)},
		}
	}

	if t, ok := tx.(*ddbTx); ok && t != nil {
		t.items = append(t.items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(s.tableName),
				Item:                      item,
				ConditionExpression:       condition,
				ExpressionAttributeValues: values,
			},
		})
		return nil
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       condition,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			actual := int64(-1)
			if current, ferr := s.FindHead(ctx, collection, head.ID); ferr == nil && current != nil {
				actual = current.OV
			}
			return cerrors.NewOptimisticLock(expectedPrevOV, actual)
		}
		return cerrors.NewStorage("writing head row", err)
	}
	return nil
}

// DeleteHead removes a head row
func (s *Store) DeleteHead(ctx context.Context, collection string, id valueobjects.ItemID) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: headPK(collection)},
			"SK": &types.AttributeValueMemberS{Value: headSK(id.Hex())},
		},
	})
	if err != nil {
		return cerrors.NewStorage("deleting head row", err)
	}
	return nil
}

// FindHead returns the head row, or nil when the item does not exist
func (s *Store) FindHead(ctx context.Context, collection string, id valueobjects.ItemID) (*entities.Head, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: headPK(collection)},
			"SK": &types.AttributeValueMemberS{Value: headSK(id.Hex())},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, cerrors.NewStorage("reading head row", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec headRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, cerrors.NewStorage("decoding head row", err)
	}
	return s.fromHeadRecord(&rec)
}

// FindVersionByOv returns the version row with the exact ov, or nil
func (s *Store) FindVersionByOv(ctx context.Context, collection string, id valueobjects.ItemID, ov int64) (*entities.Version, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: verPK(collection, id.Hex())},
			"SK": &types.AttributeValueMemberS{Value: verSK(ov)},
		},
	})
	if err != nil {
		return nil, cerrors.NewStorage("reading version row", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec versionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, cerrors.NewStorage("decoding version row", err)
	}
	return s.fromVersionRecord(&rec)
}

// FindVersionAsOf returns the latest version with at <= t, highest ov
// breaking timestamp ties. Version rows are keyed by ov and ov order never
// runs against timestamp order for a single item, so the newest qualifying
// row in key order is the answer.
func (s *Store) FindVersionAsOf(ctx context.Context, collection string, id valueobjects.ItemID, t time.Time) (*entities.Version, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(verPK(collection, id.Hex())))
	cond := expression.Name("AtNanos").LessThanEqual(expression.Value(t.UnixNano()))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(cond).Build()
	if err != nil {
		return nil, cerrors.NewStorage("building as-of expression", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("querying versions as-of", err)
		}
		if len(out.Items) > 0 {
			var rec versionRecord
			if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
				return nil, cerrors.NewStorage("decoding version row", err)
			}
			return s.fromVersionRecord(&rec)
		}
		if out.LastEvaluatedKey == nil {
			return nil, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// FindVersionByCv scans for the version row carrying the exact collection
// version. Like the as-of candidate listing this is an audit path, so a
// filtered scan is acceptable.
func (s *Store) FindVersionByCv(ctx context.Context, collection string, cv int64) (*entities.Version, error) {
	cond := expression.Name("IsVersion").Equal(expression.Value(true)).
		And(expression.Name("Collection").Equal(expression.Value(collection))).
		And(expression.Name("CV").Equal(expression.Value(cv)))
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return nil, cerrors.NewStorage("building cv lookup expression", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("scanning for cv version row", err)
		}
		if len(out.Items) > 0 {
			var rec versionRecord
			if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
				return nil, cerrors.NewStorage("decoding version row", err)
			}
			return s.fromVersionRecord(&rec)
		}
		if out.LastEvaluatedKey == nil {
			return nil, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ListVersions returns version rows for an item, newest first
func (s *Store) ListVersions(ctx context.Context, collection string, id valueobjects.ItemID, limit int) ([]*entities.Version, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: verPK(collection, id.Hex())},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	versions := make([]*entities.Version, 0)
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("listing version rows", err)
		}
		for _, item := range out.Items {
			var rec versionRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, cerrors.NewStorage("decoding version row", err)
			}
			v, err := s.fromVersionRecord(&rec)
			if err != nil {
				return nil, err
			}
			versions = append(versions, v)
			if limit > 0 && len(versions) >= limit {
				return versions, nil
			}
		}
		if out.LastEvaluatedKey == nil {
			return versions, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// QueryHeads filters head rows with deterministic (cv ASC, id ASC) paging.
// The cv index provides the order; metadata filters apply client-side so
// pages fill up to the limit across index pages.
func (s *Store) QueryHeads(ctx context.Context, collection string, f filter.Meta, page ports.PageRequest, includeDeleted bool) (*ports.HeadPage, error) {
	limit := int(page.Limit)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	keyCond := expression.Key("GSI1PK").Equal(expression.Value(headPK(collection)))
	if page.Token != "" {
		lastCV, lastID, err := decodePageToken(page.Token)
		if err != nil {
			return nil, cerrors.NewValidation("invalid page token")
		}
		keyCond = keyCond.And(expression.Key("GSI1SK").GreaterThan(expression.Value(cvSortKey(lastCV, lastID))))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, cerrors.NewStorage("building head query expression", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(cvIndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	}

	result := &ports.HeadPage{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("querying head rows", err)
		}
		for _, item := range out.Items {
			var rec headRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, cerrors.NewStorage("decoding head row", err)
			}
			head, err := s.fromHeadRecord(&rec)
			if err != nil {
				return nil, err
			}
			if head.Deleted() && !includeDeleted {
				continue
			}
			if !filter.Matches(head.MetaIndexed, f) {
				continue
			}
			result.Heads = append(result.Heads, head)
			if len(result.Heads) >= limit {
				result.NextToken = encodePageToken(head.CV, head.ID.Hex())
				return result, nil
			}
		}
		if out.LastEvaluatedKey == nil {
			return result, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// QueryVersionCandidatesAsOf scans version rows for distinct item ids with a
// matching version at or before t. A scan is acceptable here; as-of listing
// is an audit path, not a hot path.
func (s *Store) QueryVersionCandidatesAsOf(ctx context.Context, collection string, f filter.Meta, at time.Time) ([]valueobjects.ItemID, error) {
	cond := expression.Name("IsVersion").Equal(expression.Value(true)).
		And(expression.Name("Collection").Equal(expression.Value(collection))).
		And(expression.Name("AtNanos").LessThanEqual(expression.Value(at.UnixNano())))
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return nil, cerrors.NewStorage("building candidate scan expression", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	seen := make(map[string]valueobjects.ItemID)
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("scanning version candidates", err)
		}
		for _, item := range out.Items {
			var rec versionRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			if _, ok := seen[rec.IDHex]; ok {
				continue
			}
			if !filter.Matches(rec.MetaIndexed, f) {
				continue
			}
			id, err := valueobjects.ParseItemID(rec.IDHex)
			if err != nil {
				continue
			}
			seen[rec.IDHex] = id
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	hexes := make([]string, 0, len(seen))
	for h := range seen {
		hexes = append(hexes, h)
	}
	sort.Strings(hexes)
	ids := make([]valueobjects.ItemID, 0, len(hexes))
	for _, h := range hexes {
		ids = append(ids, seen[h])
	}
	return ids, nil
}

// PruneVersions removes version rows beyond the retention bounds
func (s *Store) PruneVersions(ctx context.Context, collection string, before time.Time, keepPerItem int) (int, error) {
	cond := expression.Name("IsVersion").Equal(expression.Value(true)).
		And(expression.Name("Collection").Equal(expression.Value(collection)))
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return 0, cerrors.NewStorage("building prune scan expression", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	byItem := make(map[string][]versionRecord)
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return 0, cerrors.NewStorage("scanning version rows for prune", err)
		}
		for _, item := range out.Items {
			var rec versionRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			byItem[rec.IDHex] = append(byItem[rec.IDHex], rec)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	doomed := make([]versionRecord, 0)
	for _, rows := range byItem {
		sort.Slice(rows, func(i, j int) bool { return rows[i].OV < rows[j].OV })
		for i, rec := range rows {
			fromNewest := len(rows) - i
			tooOld := !before.IsZero() && rec.AtNanos < before.UnixNano()
			beyondCap := keepPerItem > 0 && fromNewest > keepPerItem
			if tooOld || beyondCap {
				doomed = append(doomed, rec)
			}
		}
	}

	// BatchWriteItem takes 25 deletes at a time
	for i := 0; i < len(doomed); i += 25 {
		end := i + 25
		if end > len(doomed) {
			end = len(doomed)
		}
		requests := make([]types.WriteRequest, 0, end-i)
		for _, rec := range doomed[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: rec.PK},
						"SK": &types.AttributeValueMemberS{Value: rec.SK},
					},
				},
			})
		}
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		})
		if err != nil {
			return 0, cerrors.NewStorage("deleting pruned version rows", err)
		}
		if len(out.UnprocessedItems) > 0 {
			s.logger.Warn("Prune batch left unprocessed deletes",
				zap.Int("count", len(out.UnprocessedItems[s.tableName])),
			)
		}
	}

	return len(doomed), nil
}

func (s *Store) toHeadRecord(collection string, h *entities.Head) *headRecord {
	idHex := h.ID.Hex()
	rec := &headRecord{
		PK:          headPK(collection),
		SK:          headSK(idHex),
		GSI1PK:      headPK(collection),
		GSI1SK:      cvSortKey(h.CV, idHex),
		IDHex:       idHex,
		OV:          h.OV,
		CV:          h.CV,
		JSONBucket:  h.JSONBucket,
		JSONKey:     h.JSONKey,
		MetaIndexed: h.MetaIndexed,
		Size:        h.Size,
		SHA256:      h.SHA256,
		CreatedAt:   h.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   h.UpdatedAt.UTC().Format(time.RFC3339Nano),
		FullShadow:  string(h.FullShadow),
		ShadowOV:    h.ShadowOV,
	}
	if h.DeletedAt != nil {
		rec.DeletedAt = h.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

func (s *Store) fromHeadRecord(rec *headRecord) (*entities.Head, error) {
	id, err := valueobjects.ParseItemID(rec.IDHex)
	if err != nil {
		return nil, cerrors.NewStorage("decoding head id "+rec.IDHex, err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, rec.UpdatedAt)
	head := &entities.Head{
		ID:          id,
		OV:          rec.OV,
		CV:          rec.CV,
		JSONBucket:  rec.JSONBucket,
		JSONKey:     rec.JSONKey,
		MetaIndexed: rec.MetaIndexed,
		Size:        rec.Size,
		SHA256:      rec.SHA256,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		ShadowOV:    rec.ShadowOV,
	}
	if rec.DeletedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.DeletedAt)
		if err == nil {
			head.DeletedAt = &t
		}
	}
	if rec.FullShadow != "" {
		head.FullShadow = []byte(rec.FullShadow)
	}
	return head, nil
}

func (s *Store) toVersionRecord(collection string, v *entities.Version) *versionRecord {
	idHex := v.ItemID.Hex()
	return &versionRecord{
		PK:          verPK(collection, idHex),
		SK:          verSK(v.OV),
		RowID:       v.ID,
		IDHex:       idHex,
		OV:          v.OV,
		CV:          v.CV,
		Op:          string(v.Op),
		AtNanos:     v.At.UnixNano(),
		At:          v.At.UTC().Format(time.RFC3339Nano),
		JSONBucket:  v.JSONBucket,
		JSONKey:     v.JSONKey,
		MetaIndexed: v.MetaIndexed,
		Size:        v.Size,
		SHA256:      v.SHA256,
		PrevOV:      v.PrevOV,
		Actor:       v.Actor,
		Reason:      v.Reason,
		Collection:  collection,
		IsVersion:   true,
	}
}

func (s *Store) fromVersionRecord(rec *versionRecord) (*entities.Version, error) {
	id, err := valueobjects.ParseItemID(rec.IDHex)
	if err != nil {
		return nil, cerrors.NewStorage("decoding version id "+rec.IDHex, err)
	}
	return &entities.Version{
		ID:          rec.RowID,
		ItemID:      id,
		OV:          rec.OV,
		CV:          rec.CV,
		Op:          entities.OpKind(rec.Op),
		At:          time.Unix(0, rec.AtNanos).UTC(),
		JSONBucket:  rec.JSONBucket,
		JSONKey:     rec.JSONKey,
		MetaIndexed: rec.MetaIndexed,
		Size:        rec.Size,
		SHA256:      rec.SHA256,
		PrevOV:      rec.PrevOV,
		Actor:       rec.Actor,
		Reason:      rec.Reason,
	}, nil
}

func encodePageToken(cv int64, idHex string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d:%s", cv, idHex)))
}

func decodePageToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed token")
	}
	cv, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return cv, parts[1], nil
}

var _ ports.DocumentStore = (*Store)(nil)
