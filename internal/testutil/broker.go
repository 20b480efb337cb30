package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
)

// Published is one message seen by a RecordingPublisher
type Published struct {
	Channel string
	Payload any
}

// RecordingPublisher records every Publish call
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []Published
}

func (p *RecordingPublisher) Publish(channel string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Published{Channel: channel, Payload: payload})
}

// Messages returns a copy of the recorded messages
func (p *RecordingPublisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.messages...)
}

// On returns the payloads published to channel
func (p *RecordingPublisher) On(channel string) []any {
	var out []any
	for _, m := range p.Messages() {
		if m.Channel == channel {
			out = append(out, m.Payload)
		}
	}
	return out
}

// ErrTransportDown is returned by a disconnected FakeTransport
var ErrTransportDown = errors.New("transport down")

// FakeTransport is an in-process broker. Published messages are routed
// synchronously to the pattern and exact handlers the way the broker would.
type FakeTransport struct {
	mu        sync.Mutex
	connected bool
	patterns  map[string]int
	channels  map[string]int
	published []string
	onPattern func(pattern, channel string, body []byte)
	onMessage func(channel string, body []byte)
}

// NewFakeTransport creates a connected transport
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		connected: true,
		patterns:  make(map[string]int),
		channels:  make(map[string]int),
	}
}

// SetConnected toggles the connection state
func (t *FakeTransport) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

func (t *FakeTransport) EnsureReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Publish(_ context.Context, channel string, body []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrTransportDown
	}
	t.published = append(t.published, channel)

	var patterns []string
	for p := range t.patterns {
		if ok, _ := path.Match(p, channel); ok {
			patterns = append(patterns, p)
		}
	}
	_, exact := t.channels[channel]
	onPattern, onMessage := t.onPattern, t.onMessage
	t.mu.Unlock()

	for _, p := range patterns {
		if onPattern != nil {
			onPattern(p, channel, body)
		}
	}
	if exact && onMessage != nil {
		onMessage(channel, body)
	}
	return nil
}

// Inject delivers a raw body as if it arrived from the broker
func (t *FakeTransport) Inject(channel string, body []byte) {
	t.mu.Lock()
	_, exact := t.channels[channel]
	onMessage := t.onMessage
	t.mu.Unlock()
	if exact && onMessage != nil {
		onMessage(channel, body)
	}
}

func (t *FakeTransport) PSubscribe(_ context.Context, patterns ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range patterns {
		t.patterns[p]++
	}
	return nil
}

func (t *FakeTransport) PUnsubscribe(_ context.Context, patterns ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range patterns {
		delete(t.patterns, p)
	}
	return nil
}

func (t *FakeTransport) Subscribe(_ context.Context, channels ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range channels {
		t.channels[c]++
	}
	return nil
}

func (t *FakeTransport) Unsubscribe(_ context.Context, channels ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range channels {
		delete(t.channels, c)
	}
	return nil
}

func (t *FakeTransport) OnPatternMessage(fn func(pattern, channel string, body []byte)) {
	t.mu.Lock()
	t.onPattern = fn
	t.mu.Unlock()
}

func (t *FakeTransport) OnMessage(fn func(channel string, body []byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// Subscribed reports whether channel is bound at the broker
func (t *FakeTransport) Subscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.channels[channel]
	return ok
}

// PatternSubscriptions returns how many times pattern was subscribed
func (t *FakeTransport) PatternSubscriptions(pattern string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.patterns[pattern]
}

// PublishedCount returns the number of messages that reached the broker
func (t *FakeTransport) PublishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

// Decode unmarshals a recorded payload into dest through JSON
func Decode(payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}
