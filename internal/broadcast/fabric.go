// Package broadcast is the typed publish/subscribe layer used to stream job
// status to live observers.
//
// Publishing never blocks or fails a caller: payloads are serialized on the
// caller's goroutine, then handed to a bounded outbox drained by a single
// broadcaster goroutine. When the broker is not ready the message is dropped.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
)

// Transport is the broker-facing side of the fabric
type Transport interface {
	EnsureReady() bool
	Publish(ctx context.Context, channel string, body []byte) error
	PSubscribe(ctx context.Context, patterns ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	OnPatternMessage(fn func(pattern, channel string, body []byte))
	OnMessage(fn func(channel string, body []byte))
}

// Message is delivered to listeners
type Message struct {
	Channel string          `json:"channel"`
	Pattern string          `json:"pattern,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Listener receives messages for the channels it subscribed to
type Listener func(msg Message)

// Config holds fabric settings
type Config struct {
	BufferSize     int
	PublishTimeout time.Duration
	// Pattern is the broker-level pattern served to wildcard subscribers
	Pattern string
}

type outbound struct {
	channel string
	body    []byte
}

// Fabric multiplexes broker messages to exact-channel and wildcard listeners
type Fabric struct {
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Collector
	config    Config

	// bindMu orders broker bind and unbind calls. It is taken before mu.
	bindMu sync.Mutex

	mu               sync.Mutex
	nextID           uint64
	exact            map[string]map[uint64]Listener
	wildcard         map[uint64]Listener
	patternActivated bool

	sendMu sync.RWMutex
	closed bool
	outbox chan outbound
	done   chan struct{}
}

// NewFabric creates a fabric and starts its broadcaster goroutine
func NewFabric(transport Transport, config Config, logger *slog.Logger, collector *metrics.Collector) *Fabric {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	if config.Pattern == "" {
		config.Pattern = domain.ChannelServiceWildcard
	}

	f := &Fabric{
		transport: transport,
		logger:    logger,
		metrics:   collector,
		config:    config,
		exact:     make(map[string]map[uint64]Listener),
		wildcard:  make(map[uint64]Listener),
		outbox:    make(chan outbound, config.BufferSize),
		done:      make(chan struct{}),
	}

	transport.OnPatternMessage(f.handlePatternMessage)
	transport.OnMessage(f.handleMessage)

	go f.broadcaster()
	return f
}

// Publish serializes payload and queues it for channel. It never blocks:
// a disconnected broker or a full outbox drops the message.
func (f *Fabric) Publish(channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("Failed to serialize broadcast payload",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		f.metrics.RecordBroadcastDropped("encode")
		return
	}

	if !f.transport.EnsureReady() {
		f.logger.Debug("Broker not connected, skipping broadcast",
			slog.String("channel", channel),
		)
		f.metrics.RecordBroadcastDropped("disconnected")
		return
	}

	f.sendMu.RLock()
	defer f.sendMu.RUnlock()

	if f.closed {
		f.metrics.RecordBroadcastDropped("closed")
		return
	}

	select {
	case f.outbox <- outbound{channel: channel, body: body}:
	default:
		f.logger.Warn("Broadcast outbox full, dropping message",
			slog.String("channel", channel),
			slog.Int("buffer_size", f.config.BufferSize),
		)
		f.metrics.RecordBroadcastDropped("overflow")
	}
}

func (f *Fabric) broadcaster() {
	defer close(f.done)

	for msg := range f.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), f.config.PublishTimeout)
		err := f.transport.Publish(ctx, msg.channel, msg.body)
		cancel()

		if err != nil {
			f.logger.Warn("Failed to broadcast message",
				slog.String("channel", msg.channel),
				slog.Any("error", err),
			)
			f.metrics.RecordBroadcastDropped("publish_error")
			continue
		}
		f.metrics.RecordBroadcastPublished(msg.channel)
	}
}

// Subscribe registers fn for channels and returns a function removing exactly
// that registration. A channel list containing the wildcard pattern registers
// fn as a wildcard listener instead.
func (f *Fabric) Subscribe(channels []string, fn Listener) (unsubscribe func()) {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()

	f.mu.Lock()
	f.nextID++
	id := f.nextID

	if containsWildcard(channels, f.config.Pattern) {
		f.wildcard[id] = fn
		activate := !f.patternActivated
		f.patternActivated = true
		f.mu.Unlock()

		if activate {
			if err := f.transport.PSubscribe(context.Background(), f.config.Pattern); err != nil {
				f.logger.Error("Failed to pattern-subscribe",
					slog.String("pattern", f.config.Pattern),
					slog.Any("error", err),
				)
			}
		}

		return f.once(func() {
			f.mu.Lock()
			delete(f.wildcard, id)
			f.mu.Unlock()
		})
	}

	var fresh []string
	for _, channel := range channels {
		set, ok := f.exact[channel]
		if !ok {
			set = make(map[uint64]Listener)
			f.exact[channel] = set
			fresh = append(fresh, channel)
		}
		set[id] = fn
	}
	f.mu.Unlock()

	if len(fresh) > 0 {
		if err := f.transport.Subscribe(context.Background(), fresh...); err != nil {
			f.logger.Error("Failed to subscribe",
				slog.Any("channels", fresh),
				slog.Any("error", err),
			)
		}
	}

	return f.once(func() { f.remove(id, channels) })
}

func (f *Fabric) remove(id uint64, channels []string) {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()

	f.mu.Lock()
	var pruned []string
	for _, channel := range channels {
		set, ok := f.exact[channel]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(f.exact, channel)
			pruned = append(pruned, channel)
		}
	}
	f.mu.Unlock()

	f.unsubscribeBroker(pruned)
}

// UnsubscribeAll removes every listener on channels, not only the caller's.
// With no channels it removes all exact and wildcard listeners.
func (f *Fabric) UnsubscribeAll(channels ...string) {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()

	f.mu.Lock()
	var (
		removed      []string
		dropWildcard bool
	)
	if len(channels) == 0 {
		for channel := range f.exact {
			removed = append(removed, channel)
		}
		f.exact = make(map[string]map[uint64]Listener)
		dropWildcard = true
	} else {
		for _, channel := range channels {
			if channel == f.config.Pattern {
				dropWildcard = true
				continue
			}
			if _, ok := f.exact[channel]; ok {
				delete(f.exact, channel)
				removed = append(removed, channel)
			}
		}
	}

	deactivate := dropWildcard && f.patternActivated
	if dropWildcard {
		f.wildcard = make(map[uint64]Listener)
		f.patternActivated = false
	}
	f.mu.Unlock()

	f.unsubscribeBroker(removed)
	if deactivate {
		if err := f.transport.PUnsubscribe(context.Background(), f.config.Pattern); err != nil {
			f.logger.Error("Failed to pattern-unsubscribe", slog.Any("error", err))
		}
	}
}

func (f *Fabric) unsubscribeBroker(channels []string) {
	if len(channels) == 0 {
		return
	}
	if err := f.transport.Unsubscribe(context.Background(), channels...); err != nil {
		f.logger.Error("Failed to unsubscribe",
			slog.Any("channels", channels),
			slog.Any("error", err),
		)
	}
}

// ListenerCount returns the number of registrations on channel
func (f *Fabric) ListenerCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel == f.config.Pattern {
		return len(f.wildcard)
	}
	return len(f.exact[channel])
}

func (f *Fabric) handlePatternMessage(pattern, channel string, body []byte) {
	var data json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		f.logger.Warn("Dropping unparseable pattern message",
			slog.String("pattern", pattern),
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return
	}

	f.mu.Lock()
	listeners := make([]Listener, 0, len(f.wildcard))
	for _, fn := range f.wildcard {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	f.deliver(listeners, Message{Channel: channel, Pattern: pattern, Data: data})
}

func (f *Fabric) handleMessage(channel string, body []byte) {
	var data json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		f.logger.Warn("Dropping unparseable message",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return
	}

	f.mu.Lock()
	set := f.exact[channel]
	listeners := make([]Listener, 0, len(set))
	for _, fn := range set {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	f.deliver(listeners, Message{Channel: channel, Data: data})
}

func (f *Fabric) deliver(listeners []Listener, msg Message) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("Broadcast listener panicked",
						slog.String("channel", msg.Channel),
						slog.Any("panic", r),
					)
				}
			}()
			fn(msg)
		}()
	}
}

// Close stops accepting messages and waits until the outbox is drained
func (f *Fabric) Close() {
	f.sendMu.Lock()
	if f.closed {
		f.sendMu.Unlock()
		return
	}
	f.closed = true
	close(f.outbox)
	f.sendMu.Unlock()

	<-f.done
}

func (f *Fabric) once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}

func containsWildcard(channels []string, pattern string) bool {
	for _, channel := range channels {
		if channel == pattern {
			return true
		}
	}
	return false
}
