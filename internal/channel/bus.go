package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Bus multiplexes registered Channels into one ingress stream and
// routes egress by OutgoingMessage.Channel back to the matching
// Channel's Send. Channels must be registered before StartAll; there
// is no dynamic registration afterward.
type Bus struct {
	logger  *slog.Logger
	limiter *RateLimiter

	mu       sync.Mutex
	channels map[string]Channel
	started  bool

	ingress chan IncomingMessage
	egress  chan OutgoingMessage
}

// NewBus builds a Bus. ingressBuffer/egressBuffer size the internal
// channels; 256 is a reasonable default for a single-agent daemon.
func NewBus(logger *slog.Logger, limiter *RateLimiter, ingressBuffer, egressBuffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if ingressBuffer <= 0 {
		ingressBuffer = 256
	}
	if egressBuffer <= 0 {
		egressBuffer = 256
	}
	return &Bus{
		logger:   logger.With("component", "channel_bus"),
		limiter:  limiter,
		channels: make(map[string]Channel),
		ingress:  make(chan IncomingMessage, ingressBuffer),
		egress:   make(chan OutgoingMessage, egressBuffer),
	}
}

// Register adds a channel. Must be called before StartAll.
func (b *Bus) Register(ch Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("channel bus: cannot register %q after StartAll", ch.ChannelType())
	}
	if _, exists := b.channels[ch.ChannelType()]; exists {
		return fmt.Errorf("channel bus: channel %q already registered", ch.ChannelType())
	}
	b.channels[ch.ChannelType()] = ch
	return nil
}

// StartAll starts every registered channel. A channel's Start failure
// is fatal — the daemon cannot run with a channel it can't bring up.
func (b *Bus) StartAll() error {
	b.mu.Lock()
	b.started = true
	channels := make([]Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch := ch
		if err := ch.Start(func(msg IncomingMessage) { b.deliverIngress(ch.ChannelType(), msg) }); err != nil {
			return fmt.Errorf("start channel %q: %w", ch.ChannelType(), err)
		}
	}

	go b.runEgress()
	return nil
}

func (b *Bus) deliverIngress(channelType string, msg IncomingMessage) {
	if b.limiter != nil && !b.limiter.CheckAndRecord(msg.Sender) {
		b.logger.Debug("ingress dropped by rate limiter", "channel", channelType, "sender", msg.Sender)
		return
	}
	b.ingress <- msg
}

// Split returns the ingress receive side (for the loop to drain) and
// a send func for the egress side (for the loop to publish replies).
func (b *Bus) Split() (<-chan IncomingMessage, func(OutgoingMessage)) {
	return b.ingress, func(msg OutgoingMessage) { b.egress <- msg }
}

func (b *Bus) runEgress() {
	for msg := range b.egress {
		if msg.Channel == Internal {
			continue
		}
		b.mu.Lock()
		ch, ok := b.channels[msg.Channel]
		b.mu.Unlock()
		if !ok {
			b.logger.Error("egress routed to unknown channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(msg); err != nil {
			b.logger.Error("channel send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// SendProgress implements orchestrator.Sink, letting the orchestrator
// stream background-group progress back out through the bus without
// depending on this package.
func (b *Bus) SendProgress(ctx context.Context, channel, replyTo, text string) {
	b.egress <- OutgoingMessage{Content: text, Channel: channel, ReplyTo: replyTo, Kind: KindResponse}
}
