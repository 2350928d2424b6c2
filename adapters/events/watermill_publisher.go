package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/microslot/ports"
)

const (
	// TopicSpinSettled carries ports.SpinSettledEvent payloads
	TopicSpinSettled = "microslot.spin.settled"
	// TopicPrizeFailed carries ports.PrizeFailedEvent payloads
	TopicPrizeFailed = "microslot.prize.failed"
)

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
	}
}

// PublishSpinSettled publishes a settled spin
func (p *WatermillPublisher) PublishSpinSettled(ctx context.Context, event ports.SpinSettledEvent) error {
	return p.publish(ctx, TopicSpinSettled, event)
}

// PublishPrizeFailed publishes a prize that could not be credited
func (p *WatermillPublisher) PublishPrizeFailed(ctx context.Context, event ports.PrizeFailedEvent) error {
	return p.publish(ctx, TopicPrizeFailed, event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
