package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Memory is an in-process Bus. Delivery is FIFO per subscriber; a
// subscriber whose buffer is full loses the newest message (the edit hub
// layers its own bounded queues and slow-consumer handling on top).
type Memory struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memSub)}
}

func (b *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			log.Warn().Str("channel", channel).Msg("bus subscriber buffer full, message dropped")
		}
	}
	return nil
}

func (b *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memSub{bus: b, channel: channel, ch: make(chan []byte, 64)}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

type memSub struct {
	bus     *Memory
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memSub) C() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		subs := b.subs[s.channel]
		for i, other := range subs {
			if other == s {
				b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[s.channel]) == 0 {
			delete(b.subs, s.channel)
		}
		b.mu.Unlock()
		close(s.ch)
	})
	return nil
}
