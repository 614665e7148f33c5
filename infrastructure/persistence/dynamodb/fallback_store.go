package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

const (
	fallbackPK   = "FALLBACK"
	deadLetterPK = "DEADLETTER"
)

// FallbackStore implements the retry-queue port on DynamoDB. Leases are
// conditional writes: a row is claimable when it has no lease or the lease
// has expired, the same guard the conditional-put lock pattern uses.
type FallbackStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewFallbackStore creates a DynamoDB-backed retry queue sharing the records
// table.
func NewFallbackStore(client *dynamodb.Client, tablePrefix string, logger *zap.Logger) *FallbackStore {
	return &FallbackStore{
		client:    client,
		tableName: tablePrefix + recordsTableSuffix,
		logger:    logger,
	}
}

// fallbackRecord is a durable retry row
type fallbackRecord struct {
	PK            string `dynamodbav:"PK"` // FALLBACK or DEADLETTER
	SK            string `dynamodbav:"SK"` // OP#<requestId>
	RequestID     string `dynamodbav:"RequestID"`
	OpKind        string `dynamodbav:"OpKind"`
	ContextJSON   string `dynamodbav:"ContextJSON"`
	Payload       string `dynamodbav:"Payload"`
	AttemptCount  int    `dynamodbav:"AttemptCount"`
	NextAttemptAt int64  `dynamodbav:"NextAttemptAt"` // unix nanos
	LastError     string `dynamodbav:"LastError,omitempty"`
	CreatedAt     string `dynamodbav:"CreatedAt"`
	LeaseOwner    string `dynamodbav:"LeaseOwner,omitempty"`
	LeaseUntil    int64  `dynamodbav:"LeaseUntil,omitempty"` // unix nanos
	TTL           int64  `dynamodbav:"TTL,omitempty"`
}

func opSK(requestID string) string { return "OP#" + requestID }

// Enqueue stores a retry row; re-enqueueing the same request id is a no-op
func (s *FallbackStore) Enqueue(ctx context.Context, op *entities.FallbackOp) error {
	rec, err := toFallbackRecord(fallbackPK, op)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return cerrors.NewStorage("marshaling fallback row", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil
		}
		return cerrors.NewStorage("enqueueing fallback op", err)
	}
	return nil
}

// Lease claims up to max due ops for owner until now+ttl. Claiming is a
// per-row conditional update, so concurrent workers never share a row.
func (s *FallbackStore) Lease(ctx context.Context, now time.Time, max int, owner string, ttl time.Duration) ([]*entities.FallbackOp, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("NextAttemptAt <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: fallbackPK},
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixNano())},
		},
	}

	due := make([]fallbackRecord, 0)
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, cerrors.NewStorage("querying due fallback ops", err)
		}
		for _, item := range out.Items {
			var rec fallbackRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			due = append(due, rec)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt < due[j].NextAttemptAt })

	until := now.Add(ttl)
	claimed := make([]*entities.FallbackOp, 0, max)
	for _, rec := range due {
		if max > 0 && len(claimed) >= max {
			break
		}
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: fallbackPK},
				"SK": &types.AttributeValueMemberS{Value: rec.SK},
			},
			UpdateExpression:    aws.String("SET LeaseOwner = :owner, LeaseUntil = :until"),
			ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(LeaseUntil) OR LeaseUntil < :now)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: owner},
				":until": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", until.UnixNano())},
				":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixNano())},
			},
		})
		if err != nil {
			var condFailed *types.ConditionalCheckFailedException
			if errors.As(err, &condFailed) {
				continue // another worker holds this one
			}
			return nil, cerrors.NewStorage("claiming fallback lease", err)
		}
		op, err := fromFallbackRecord(&rec)
		if err != nil {
			s.logger.Warn("Skipping undecodable fallback row", zap.String("requestId", rec.RequestID), zap.Error(err))
			continue
		}
		op.LeaseOwner = owner
		op.LeaseUntil = &until
		claimed = append(claimed, op)
	}
	return claimed, nil
}

// Complete deletes a successfully re-executed op
func (s *FallbackStore) Complete(ctx context.Context, requestID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fallbackPK},
			"SK": &types.AttributeValueMemberS{Value: opSK(requestID)},
		},
	})
	if err != nil {
		return cerrors.NewStorage("completing fallback op", err)
	}
	return nil
}

// Fail records the attempt outcome and clears the lease
func (s *FallbackStore) Fail(ctx context.Context, op *entities.FallbackOp) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fallbackPK},
			"SK": &types.AttributeValueMemberS{Value: opSK(op.RequestID)},
		},
		UpdateExpression:    aws.String("SET AttemptCount = :attempts, NextAttemptAt = :next, LastError = :err REMOVE LeaseOwner, LeaseUntil"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":attempts": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", op.AttemptCount)},
			":next":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", op.NextAttemptAt.UnixNano())},
			":err":      &types.AttributeValueMemberS{Value: cerrors.Redact(op.LastError)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return cerrors.NewNotFound("fallback op", op.RequestID)
		}
		return cerrors.NewStorage("recording fallback failure", err)
	}
	return nil
}

// DeadLetter moves an exhausted op to the dead-letter partition. Dead-letter
// rows carry a 90 day TTL so the table does not accumulate forever.
func (s *FallbackStore) DeadLetter(ctx context.Context, op *entities.FallbackOp) error {
	rec, err := toFallbackRecord(deadLetterPK, op)
	if err != nil {
		return err
	}
	rec.LeaseOwner = ""
	rec.LeaseUntil = 0
	rec.TTL = time.Now().Add(90 * 24 * time.Hour).Unix()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return cerrors.NewStorage("marshaling dead-letter row", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: item}},
			{Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: fallbackPK},
					"SK": &types.AttributeValueMemberS{Value: opSK(op.RequestID)},
				},
			}},
		},
	})
	if err != nil {
		return cerrors.NewStorage("dead-lettering fallback op", err)
	}
	s.logger.Warn("Moved fallback op to dead letter",
		zap.String("requestId", op.RequestID),
		zap.String("opKind", op.Kind),
		zap.Int("attempts", op.AttemptCount),
	)
	return nil
}

// Release clears every lease held by owner
func (s *FallbackStore) Release(ctx context.Context, owner string) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("LeaseOwner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: fallbackPK},
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return cerrors.NewStorage("querying leased fallback ops", err)
		}
		for _, item := range out.Items {
			var rec fallbackRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: fallbackPK},
					"SK": &types.AttributeValueMemberS{Value: rec.SK},
				},
				UpdateExpression:    aws.String("REMOVE LeaseOwner, LeaseUntil"),
				ConditionExpression: aws.String("LeaseOwner = :owner"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":owner": &types.AttributeValueMemberS{Value: owner},
				},
			})
			if err != nil {
				var condFailed *types.ConditionalCheckFailedException
				if !errors.As(err, &condFailed) {
					return cerrors.NewStorage("releasing fallback lease", err)
				}
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Get returns a queued op by request id, or nil
func (s *FallbackStore) Get(ctx context.Context, requestID string) (*entities.FallbackOp, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fallbackPK},
			"SK": &types.AttributeValueMemberS{Value: opSK(requestID)},
		},
	})
	if err != nil {
		return nil, cerrors.NewStorage("reading fallback op", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec fallbackRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, cerrors.NewStorage("decoding fallback row", err)
	}
	return fromFallbackRecord(&rec)
}

func toFallbackRecord(pk string, op *entities.FallbackOp) (*fallbackRecord, error) {
	ctxJSON, err := json.Marshal(op.Context)
	if err != nil {
		return nil, cerrors.NewStorage("encoding fallback context", err)
	}
	rec := &fallbackRecord{
		PK:            pk,
		SK:            opSK(op.RequestID),
		RequestID:     op.RequestID,
		OpKind:        op.Kind,
		ContextJSON:   string(ctxJSON),
		Payload:       string(op.Payload),
		AttemptCount:  op.AttemptCount,
		NextAttemptAt: op.NextAttemptAt.UnixNano(),
		LastError:     cerrors.Redact(op.LastError),
		CreatedAt:     op.CreatedAt.UTC().Format(time.RFC3339Nano),
		LeaseOwner:    op.LeaseOwner,
	}
	if op.LeaseUntil != nil {
		rec.LeaseUntil = op.LeaseUntil.UnixNano()
	}
	return rec, nil
}

func fromFallbackRecord(rec *fallbackRecord) (*entities.FallbackOp, error) {
	var rc valueobjects.RouteContext
	if err := json.Unmarshal([]byte(rec.ContextJSON), &rc); err != nil {
		return nil, cerrors.NewStorage("decoding fallback context", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	op := &entities.FallbackOp{
		RequestID:     rec.RequestID,
		Kind:          rec.OpKind,
		Context:       rc,
		Payload:       []byte(rec.Payload),
		AttemptCount:  rec.AttemptCount,
		NextAttemptAt: time.Unix(0, rec.NextAttemptAt).UTC(),
		LastError:     rec.LastError,
		CreatedAt:     createdAt,
		LeaseOwner:    rec.LeaseOwner,
	}
	if rec.LeaseUntil != 0 {
		t := time.Unix(0, rec.LeaseUntil).UTC()
		op.LeaseUntil = &t
	}
	return op, nil
}

var _ ports.FallbackStore = (*FallbackStore)(nil)
