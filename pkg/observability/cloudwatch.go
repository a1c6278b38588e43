package observability

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// MetricsAPI is the part of the CloudWatch client Metrics uses
type MetricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxDatums is the CloudWatch limit per PutMetricData call
const maxDatums = 1000

// Metrics buffers datums and ships them to CloudWatch on Flush. Lambda
// handlers flush before returning; long-running servers call Run.
type Metrics struct {
	namespace string
	client    MetricsAPI
	logger    *zap.Logger

	mu      sync.Mutex
	pending []types.MetricDatum
}

// NewMetrics creates a CloudWatch sink. A nil client turns it into a no-op.
func NewMetrics(namespace string, client MetricsAPI, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{namespace: namespace, client: client, logger: logger}
}

func (m *Metrics) add(d types.MetricDatum) {
	if m == nil || m.client == nil {
		return
	}
	d.Timestamp = aws.Time(time.Now())
	m.mu.Lock()
	m.pending = append(m.pending, d)
	m.mu.Unlock()
}

func dims(kv ...string) []types.Dimension {
	out := make([]types.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, types.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

// RecordCommandExecution records the latency and outcome of a command or query
func (m *Metrics) RecordCommandExecution(ctx context.Context, commandName string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.add(types.MetricDatum{
		MetricName: aws.String("CommandExecution"),
		Dimensions: dims("CommandName", commandName, "Status", status),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       types.StandardUnitMilliseconds,
	})
}

// SaveCompleted implements the save scheduler observer
func (m *Metrics) SaveCompleted(key string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.add(types.MetricDatum{
		MetricName: aws.String("SaveLatency"),
		Dimensions: dims("Kind", saveKind(key), "Status", status),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       types.StandardUnitMilliseconds,
	})
}

// RecordFanout records how many connections a board event reached
func (m *Metrics) RecordFanout(ctx context.Context, delivered, gone int) {
	m.add(types.MetricDatum{
		MetricName: aws.String("FanoutDelivered"),
		Value:      aws.Float64(float64(delivered)),
		Unit:       types.StandardUnitCount,
	})
	if gone > 0 {
		m.add(types.MetricDatum{
			MetricName: aws.String("FanoutGoneConnections"),
			Value:      aws.Float64(float64(gone)),
			Unit:       types.StandardUnitCount,
		})
	}
}

// RecordError records error occurrences
func (m *Metrics) RecordError(ctx context.Context, errorType, errorCode string) {
	m.add(types.MetricDatum{
		MetricName: aws.String("Errors"),
		Dimensions: dims("ErrorType", errorType, "ErrorCode", errorCode),
		Value:      aws.Float64(1),
		Unit:       types.StandardUnitCount,
	})
}

// Flush sends everything buffered so far. Failures are logged, never returned;
// metrics must not fail a request.
func (m *Metrics) Flush(ctx context.Context) {
	if m == nil || m.client == nil {
		return
	}
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for start := 0; start < len(batch); start += maxDatums {
		end := min(start+maxDatums, len(batch))
		if _, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[start:end],
		}); err != nil {
			m.logger.Warn("Failed to send metrics", zap.Error(err), zap.Int("datums", end-start))
		}
	}
}

// Run flushes every interval until ctx ends, then flushes once more
func (m *Metrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.Background())
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}
