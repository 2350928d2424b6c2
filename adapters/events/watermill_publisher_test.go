package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSpinSettled(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicSpinSettled)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	require.NoError(t, pub.PublishSpinSettled(ctx, ports.SpinSettledEvent{
		Reference: "0xabc",
		Payer:     "0x01",
		Cost:      decimal.NewFromInt(1),
		IsWin:     true,
	}))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.NotEmpty(t, msg.UUID)

		var got map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "0xabc", got["reference"])
		assert.Equal(t, true, got["is_win"])
		assert.Equal(t, "1", got["cost"])
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestPublishPrizeFailed(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicPrizeFailed)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	require.NoError(t, pub.PublishPrizeFailed(ctx, ports.PrizeFailedEvent{
		Reference: "0xabc",
		Payer:     "0x01",
		Amount:    decimal.NewFromInt(1000),
		Error:     "rate limited",
	}))

	select {
	case msg := <-messages:
		msg.Ack()
		var got ports.PrizeFailedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "rate limited", got.Error)
		assert.True(t, decimal.NewFromInt(1000).Equal(got.Amount))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
