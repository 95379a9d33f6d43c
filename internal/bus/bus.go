// Package bus is the cross-process edit channel: publish/subscribe on
// keyed channels with per-subscriber FIFO delivery. The Redis
// implementation makes fan-out correct across a horizontally scaled
// deployment; the in-process implementation backs tests and single-node
// runs.
package bus

import "context"

// Subscription is one subscriber's handle on a channel. C delivers
// payloads in publication order; Close drops the subscription and closes C.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Bus is the publish-subscribe contract the edit hub builds on.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
