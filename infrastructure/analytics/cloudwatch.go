package analytics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
)

// CloudWatchEmitter mirrors counter batches to CloudWatch as custom metrics
// dimensioned by database and collection. Emission is best-effort.
type CloudWatchEmitter struct {
	client    *cloudwatch.Client
	namespace string
	logger    *zap.Logger
}

// NewCloudWatchEmitter creates a CloudWatch emitter
func NewCloudWatchEmitter(client *cloudwatch.Client, namespace string, logger *zap.Logger) *CloudWatchEmitter {
	if namespace == "" {
		namespace = "Chronos"
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Emit publishes one flushed batch
func (e *CloudWatchEmitter) Emit(ctx context.Context, batch *ports.CounterBatch) {
	dims := []types.Dimension{
		{Name: aws.String("DBName"), Value: aws.String(batch.Scope.DBName)},
		{Name: aws.String("Collection"), Value: aws.String(batch.Scope.Collection)},
	}
	if batch.Scope.TenantID != "" {
		dims = append(dims, types.Dimension{
			Name:  aws.String("TenantID"),
			Value: aws.String(batch.Scope.TenantID),
		})
	}

	data := make([]types.MetricDatum, 0, 3+len(batch.Totals.Rules))
	now := aws.Time(time.Now().UTC())
	add := func(name string, value int64) {
		if value == 0 {
			return
		}
		data = append(data, types.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Value:      aws.Float64(float64(value)),
			Unit:       types.StandardUnitCount,
			Timestamp:  now,
		})
	}
	add("ItemsCreated", batch.Totals.Created)
	add("ItemsUpdated", batch.Totals.Updated)
	add("ItemsDeleted", batch.Totals.Deleted)
	for rule, count := range batch.Totals.Rules {
		add("Rule_"+rule, count)
	}
	if len(data) == 0 {
		return
	}

	// PutMetricData caps at 1000 datums per call; a single window never
	// comes close, so one call suffices.
	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: data,
	})
	if err != nil {
		e.logger.Warn("Failed to publish analytics metrics",
			zap.String("collection", batch.Scope.Collection),
			zap.Error(err),
		)
	}
}
