package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis implements Bus on Redis pub/sub. Each Subscribe opens its own
// PubSub connection, so one slow subscriber never stalls another.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a broken connection surfaces here
	// rather than as a silently empty channel.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &redisSub{ps: ps, ch: make(chan []byte, 64)}
	go sub.pump(channel)
	return sub, nil
}

type redisSub struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSub) pump(channel string) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- []byte(msg.Payload)
	}
	log.Debug().Str("channel", channel).Msg("bus subscription drained")
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }
