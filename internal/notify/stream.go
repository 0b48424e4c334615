// Package notify publishes lifecycle and settlement announcements to Redis
// streams for downstream consumers (feeds, dashboards). Publishing is
// strictly fire-and-forget: no job reads these streams, nothing coordinates
// through them, and a nil publisher is a valid no-op.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// StreamPublisher writes announcements to per-league Redis streams.
type StreamPublisher struct {
	client *redis.Client
	log    *logrus.Logger
}

// NewStreamPublisher creates a publisher. addr empty returns nil, which
// every caller treats as "publishing disabled".
func NewStreamPublisher(addr string, log *logrus.Logger) (*StreamPublisher, error) {
	if addr == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &StreamPublisher{client: redis.NewClient(opts), log: log}, nil
}

// PublishTransition announces a lifecycle transition on the league's
// stream.
func (p *StreamPublisher) PublishTransition(ctx context.Context, event models.Event) error {
	if p == nil {
		return nil
	}
	streamKey := fmt.Sprintf("events.lifecycle.%s", event.League)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data":        string(data),
			"game_id":     event.ID,
			"external_id": event.ExternalID,
			"status":      string(event.StatusNorm),
		},
	}).Err()
}

// PublishSettlement announces a completed settlement.
func (p *StreamPublisher) PublishSettlement(ctx context.Context, receipt models.PayoutReceipt) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "settlements.done",
		Values: map[string]interface{}{
			"data":    string(data),
			"game_id": receipt.GameID,
		},
	}).Err()
}

// Close releases the underlying connection.
func (p *StreamPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
