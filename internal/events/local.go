package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const localTopic = "booklib.events"

// LocalBus is an in-process bus on top of watermill's go channel pub/sub.
// Events published with no subscriber are dropped.
type LocalBus struct {
	log    *slog.Logger
	pubSub *gochannel.GoChannel
}

func NewLocal(log *slog.Logger) *LocalBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)
	return &LocalBus{log: log, pubSub: pubSub}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.pubSub.Publish(localTopic, message.NewMessage(ev.ID.String(), body))
}

func (b *LocalBus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, localTopic)
	if err != nil {
		return err
	}
	for msg := range messages {
		b.processMessage(ctx, msg, handler)
	}
	return nil
}

func (b *LocalBus) processMessage(ctx context.Context, msg *message.Message, handler Handler) {
	defer msg.Ack()
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.log.Error("failed to decode event", "uuid", msg.UUID, "err", err)
		return
	}
	if err := handler(ctx, ev); err != nil {
		b.log.Warn("event handler failed", "id", ev.ID, "type", ev.Type, "err", err)
	}
}

func (b *LocalBus) Close() error {
	return b.pubSub.Close()
}
