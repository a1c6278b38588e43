// Package eventbridge ships domain events to an AWS EventBridge bus so other
// services can react to saved boards and node edits.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

// Source is stamped on every entry
const Source = "lumina.sync"

// EventBridge limits PutEvents to 10 entries
const batchSize = 10

// API is the part of the EventBridge client the publisher uses
type API interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ API = (*eventbridge.Client)(nil)

// Publisher implements ports.EventPublisher on EventBridge
type Publisher struct {
	client  API
	busName string
	logger  *zap.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher for busName
func NewPublisher(client API, busName string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, busName: busName, logger: logger}
}

// Publish sends a single event
func (p *Publisher) Publish(ctx context.Context, event events.DomainEvent) error {
	return p.PublishBatch(ctx, []events.DomainEvent{event})
}

// PublishBatch sends events in chunks of ten. It stops at the first failed chunk.
func (p *Publisher) PublishBatch(ctx context.Context, evts []events.DomainEvent) error {
	for start := 0; start < len(evts); start += batchSize {
		end := min(start+batchSize, len(evts))
		if err := p.put(ctx, evts[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) put(ctx context.Context, evts []events.DomainEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(evts))
	sent := make([]events.DomainEvent, 0, len(evts))
	for _, evt := range evts {
		detail, err := json.Marshal(evt)
		if err != nil {
			p.logger.Error("Failed to marshal event",
				zap.String("eventType", evt.GetEventType()),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(Source),
			DetailType:   aws.String(evt.GetEventType()),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(evt.GetTimestamp()),
			Resources:    []string{resource(evt)},
		})
		sent = append(sent, evt)
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return pkgerrors.NewExternalError("eventbridge", err)
	}
	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode == nil || i >= len(sent) {
				continue
			}
			p.logger.Warn("Event rejected by EventBridge",
				zap.String("eventType", sent[i].GetEventType()),
				zap.String("aggregateID", sent[i].GetAggregateID()),
				zap.String("errorCode", aws.ToString(entry.ErrorCode)),
				zap.String("errorMessage", aws.ToString(entry.ErrorMessage)),
			)
		}
		return pkgerrors.NewExternalError("eventbridge",
			fmt.Errorf("%d of %d events failed to publish", out.FailedEntryCount, len(entries)))
	}

	p.logger.Debug("Events published",
		zap.Int("count", len(entries)),
		zap.String("eventBus", p.busName),
	)
	return nil
}

func resource(evt events.DomainEvent) string {
	return "lumina:" + evt.GetEventType() + ":" + evt.GetAggregateID()
}
