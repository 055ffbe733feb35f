package events

import "context"

// NoOpBus drops every event. Used when EVENTS_PROVIDER=none.
type NoOpBus struct{}

func NewNoOp() *NoOpBus { return &NoOpBus{} }

func (NoOpBus) Publish(context.Context, Event) error { return nil }

func (NoOpBus) Subscribe(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (NoOpBus) Close() error { return nil }
