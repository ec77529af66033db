package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	MessageID string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus connects channels with the gateway process loop. Inbound is
// consumed by the gateway; Outbound is fanned out to per-channel handlers by
// DispatchOutbound.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the handler that delivers outbound messages
// for one channel. A later registration for the same channel replaces the
// earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, handler func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = handler
}

// DispatchOutbound routes outbound messages to their channel handler until
// the context is cancelled. Messages for unknown channels are dropped with
// a log line.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handler, ok := b.subs[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no outbound handler for channel %s, dropping", msg.Channel)
				continue
			}
			handler(msg)
		case <-ctx.Done():
			return
		}
	}
}
