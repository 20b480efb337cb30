package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const channelHeader = "channel"

// RoutingKey maps a channel name such as "service:balance-sync" to a topic routing key
func RoutingKey(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// MatchPattern reports whether channel matches a glob pattern such as "service:*"
func MatchPattern(pattern, channel string) bool {
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// PubSub is a channel-based publish/subscribe transport on a topic exchange.
// The subscribe link owns two exclusive queues, one bound to pattern keys and
// one bound to exact keys, each drained by a single consumer.
type PubSub struct {
	manager  *Manager
	logger   *slog.Logger
	exchange string

	mu           sync.Mutex
	patterns     map[string]struct{}
	channels     map[string]struct{}
	ch           *amqp.Channel
	patternQueue string
	exactQueue   string
	onPattern    func(pattern, channel string, body []byte)
	onMessage    func(channel string, body []byte)
}

// NewPubSub creates a transport over the manager's links
func NewPubSub(manager *Manager, logger *slog.Logger) *PubSub {
	p := &PubSub{
		manager:  manager,
		logger:   logger,
		exchange: manager.config.ExchangeName,
		patterns: make(map[string]struct{}),
		channels: make(map[string]struct{}),
	}
	manager.OnSubscriberReady(p.setup)
	return p
}

// EnsureReady reports whether the broker links are ready, connecting lazily
func (p *PubSub) EnsureReady() bool {
	return p.manager.EnsureReady()
}

// OnPatternMessage installs the handler for messages delivered through pattern bindings
func (p *PubSub) OnPatternMessage(fn func(pattern, channel string, body []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPattern = fn
}

// OnMessage installs the handler for messages delivered through exact bindings
func (p *PubSub) OnMessage(fn func(channel string, body []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// Publish sends body to channel
func (p *PubSub) Publish(ctx context.Context, channel string, body []byte) error {
	ch, err := p.manager.PublishHandle()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx,
		p.exchange,          // exchange
		RoutingKey(channel), // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{channelHeader: channel},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Message published to RabbitMQ",
		slog.String("channel", channel),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// PSubscribe binds the pattern queue to the given patterns. Bindings are
// recorded and applied whenever the subscribe link is ready.
func (p *PubSub) PSubscribe(ctx context.Context, patterns ...string) error {
	return p.bind(patterns, true)
}

// PUnsubscribe removes pattern bindings
func (p *PubSub) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return p.unbind(patterns, true)
}

// Subscribe binds the exact queue to the given channels
func (p *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	return p.bind(channels, false)
}

// Unsubscribe removes exact bindings
func (p *PubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	return p.unbind(channels, false)
}

func (p *PubSub) bind(names []string, pattern bool) error {
	p.mu.Lock()
	set, queue := p.channels, p.exactQueue
	if pattern {
		set, queue = p.patterns, p.patternQueue
	}
	for _, name := range names {
		set[name] = struct{}{}
	}
	ch := p.ch
	p.mu.Unlock()

	if ch == nil {
		p.manager.EnsureReady()
		return nil
	}

	for _, name := range names {
		if err := ch.QueueBind(queue, RoutingKey(name), p.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	return nil
}

func (p *PubSub) unbind(names []string, pattern bool) error {
	p.mu.Lock()
	set, queue := p.channels, p.exactQueue
	if pattern {
		set, queue = p.patterns, p.patternQueue
	}
	for _, name := range names {
		delete(set, name)
	}
	ch := p.ch
	p.mu.Unlock()

	if ch == nil {
		return nil
	}

	for _, name := range names {
		if err := ch.QueueUnbind(queue, RoutingKey(name), p.exchange, nil); err != nil {
			return fmt.Errorf("failed to unbind %s: %w", name, err)
		}
	}
	return nil
}

// setup declares both queues on a fresh subscribe channel, starts their
// consumers and re-applies every recorded binding
func (p *PubSub) setup(ch *amqp.Channel) {
	patternQueue, patternDeliveries, err := p.declareAndConsume(ch, "pattern")
	if err != nil {
		p.logger.Error("Failed to set up pattern queue", slog.Any("error", err))
		return
	}
	exactQueue, exactDeliveries, err := p.declareAndConsume(ch, "exact")
	if err != nil {
		p.logger.Error("Failed to set up exact queue", slog.Any("error", err))
		return
	}

	p.mu.Lock()
	p.ch = ch
	p.patternQueue = patternQueue
	p.exactQueue = exactQueue
	patterns := keys(p.patterns)
	channels := keys(p.channels)
	p.mu.Unlock()

	for _, pattern := range patterns {
		if err := ch.QueueBind(patternQueue, RoutingKey(pattern), p.exchange, false, nil); err != nil {
			p.logger.Error("Failed to bind pattern", slog.String("pattern", pattern), slog.Any("error", err))
		}
	}
	for _, channel := range channels {
		if err := ch.QueueBind(exactQueue, RoutingKey(channel), p.exchange, false, nil); err != nil {
			p.logger.Error("Failed to bind channel", slog.String("channel", channel), slog.Any("error", err))
		}
	}

	go p.dispatch(ch, patternDeliveries, true)
	go p.dispatch(ch, exactDeliveries, false)

	p.logger.Info("RabbitMQ subscriptions ready",
		slog.Int("patterns", len(patterns)),
		slog.Int("channels", len(channels)),
	)
}

func (p *PubSub) declareAndConsume(ch *amqp.Channel, kind string) (string, <-chan amqp.Delivery, error) {
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to declare %s queue: %w", kind, err)
	}

	consumerTag := kind + "-" + uuid.NewString()
	deliveries, err := ch.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		true,        // auto-ack
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to consume %s queue: %w", kind, err)
	}
	return q.Name, deliveries, nil
}

func (p *PubSub) dispatch(ch *amqp.Channel, deliveries <-chan amqp.Delivery, pattern bool) {
	for delivery := range deliveries {
		channel := channelOf(delivery)

		p.mu.Lock()
		onPattern, onMessage := p.onPattern, p.onMessage
		matched := ""
		if pattern {
			for pat := range p.patterns {
				if MatchPattern(pat, channel) {
					matched = pat
					break
				}
			}
		}
		p.mu.Unlock()

		if pattern {
			if onPattern != nil && matched != "" {
				onPattern(matched, channel, delivery.Body)
			}
			continue
		}
		if onMessage != nil {
			onMessage(channel, delivery.Body)
		}
	}

	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()

	p.logger.Warn("RabbitMQ delivery channel closed", slog.Bool("pattern", pattern))
}

func channelOf(d amqp.Delivery) string {
	if name, ok := d.Headers[channelHeader].(string); ok && name != "" {
		return name
	}
	return strings.Replace(d.RoutingKey, ".", ":", 1)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
