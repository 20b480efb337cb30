package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when a handle is requested before its link is ready
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Role identifies one of the two broker links
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// EventKind is a connection lifecycle event
type EventKind string

const (
	EventConnect EventKind = "connect"
	EventReady   EventKind = "ready"
	EventError   EventKind = "error"
	EventClose   EventKind = "close"
	EventGiveUp  EventKind = "give_up"
)

// Event is emitted on link lifecycle transitions. Events are informational only.
type Event struct {
	Role    Role
	Kind    EventKind
	Attempt int
	Err     error
}

type linkState int

const (
	stateIdle linkState = iota
	stateConnecting
	stateReady
	stateFailed
)

func (s linkState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type link struct {
	role  Role
	state linkState
	conn  *amqp.Connection
	ch    *amqp.Channel
}

// DialFunc opens an AMQP connection
type DialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the AMQP dialer
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithSleep replaces the wait used between connection attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithEventHook registers a lifecycle event observer
func WithEventHook(fn func(Event)) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// Manager owns the publish and subscribe connections to the broker.
// Links are dialed lazily on first access and retried with a capped linear backoff;
// a link that exhausts its attempts stays inert until Close.
type Manager struct {
	config *Config
	logger *slog.Logger
	dial   DialFunc
	sleep  func(ctx context.Context, d time.Duration) error
	hooks  []func(Event)

	mu                sync.Mutex
	pub               *link
	sub               *link
	ready             chan struct{}
	readyClosed       bool
	closed            bool
	onSubscriberReady func(*amqp.Channel)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. No connection is opened until first use.
func NewManager(config *Config, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config: config,
		logger: logger,
		dial:   amqp.DialConfig,
		sleep:  sleepContext,
		pub:    &link{role: RolePublisher},
		sub:    &link{role: RoleSubscriber},
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSubscriberReady registers fn to run every time the subscribe link becomes ready
func (m *Manager) OnSubscriberReady(fn func(*amqp.Channel)) {
	m.mu.Lock()
	m.onSubscriberReady = fn
	ch := m.sub.ch
	ready := m.sub.state == stateReady
	m.mu.Unlock()

	if ready && fn != nil {
		fn(ch)
	}
}

// EnsureReady reports whether both links are ready without blocking.
// Idle links are dialed in the background.
func (m *Manager) EnsureReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	for _, l := range []*link{m.pub, m.sub} {
		if l.state == stateIdle {
			l.state = stateConnecting
			m.wg.Add(1)
			go m.connectLoop(l)
		}
	}

	return m.connectedLocked()
}

// IsConnected reports whether both links are ready
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Manager) connectedLocked() bool {
	for _, l := range []*link{m.pub, m.sub} {
		if l.state != stateReady || l.conn == nil || l.conn.IsClosed() {
			return false
		}
	}
	return true
}

// Ready returns a channel closed once both links are ready
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// WaitReady starts connecting if needed and blocks until both links are ready or ctx ends
func (m *Manager) WaitReady(ctx context.Context) error {
	if m.EnsureReady() {
		return nil
	}
	select {
	case <-m.Ready():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for RabbitMQ: %w", ctx.Err())
	}
}

// PublishHandle returns the channel of the publish link
func (m *Manager) PublishHandle() (*amqp.Channel, error) {
	return m.handle(m.pub)
}

// SubscribeHandle returns the channel of the subscribe link
func (m *Manager) SubscribeHandle() (*amqp.Channel, error) {
	return m.handle(m.sub)
}

func (m *Manager) handle(l *link) (*amqp.Channel, error) {
	m.EnsureReady()

	m.mu.Lock()
	defer m.mu.Unlock()

	if l.state != stateReady || l.ch == nil {
		return nil, fmt.Errorf("%s link %s: %w", l.role, l.state, ErrNotConnected)
	}
	return l.ch, nil
}

// State returns the state name of both links
func (m *Manager) State() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		string(RolePublisher):  m.pub.state.String(),
		string(RoleSubscriber): m.sub.state.String(),
	}
}

func (m *Manager) connectLoop(l *link) {
	defer m.wg.Done()

	maxAttempts := m.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.logger.Info("Connecting to RabbitMQ",
			slog.String("role", string(l.role)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
		)
		m.emit(Event{Role: l.role, Kind: EventConnect, Attempt: attempt})

		conn, ch, err := m.open()
		if err == nil {
			m.promote(l, conn, ch)
			return
		}

		lastErr = err
		m.logger.Error("Failed to connect to RabbitMQ",
			slog.String("role", string(l.role)),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		m.emit(Event{Role: l.role, Kind: EventError, Attempt: attempt, Err: err})

		if attempt < maxAttempts {
			delay := Backoff(attempt, m.config.RetryStep, m.config.RetryCeiling)
			if err := m.sleep(m.ctx, delay); err != nil {
				return
			}
		}
	}

	m.mu.Lock()
	if !m.closed {
		l.state = stateFailed
	}
	m.mu.Unlock()

	m.logger.Error("Giving up on RabbitMQ connection",
		slog.String("role", string(l.role)),
		slog.Int("attempts", maxAttempts),
		slog.Any("error", lastErr),
	)
	m.emit(Event{Role: l.role, Kind: EventGiveUp, Attempt: maxAttempts, Err: lastErr})
}

// open dials a connection, opens a channel and declares the broadcast exchange
func (m *Manager) open() (*amqp.Connection, *amqp.Channel, error) {
	cfg := amqp.Config{
		Heartbeat: m.config.Heartbeat,
		Locale:    "en_US",
	}
	if m.config.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(m.config.DialTimeout)
	}

	conn, err := m.dial(m.config.URL(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		m.config.ExchangeName,    // name
		m.config.ExchangeType,    // type
		m.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return conn, ch, nil
}

func (m *Manager) promote(l *link, conn *amqp.Connection, ch *amqp.Channel) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		conn.Close()
		return
	}

	l.conn, l.ch, l.state = conn, ch, stateReady
	if m.connectedLocked() && !m.readyClosed {
		close(m.ready)
		m.readyClosed = true
	}

	var hook func(*amqp.Channel)
	if l.role == RoleSubscriber {
		hook = m.onSubscriberReady
	}

	m.wg.Add(1)
	go m.watch(l, conn, ch)
	m.mu.Unlock()

	m.logger.Info("Successfully connected to RabbitMQ",
		slog.String("role", string(l.role)),
		slog.String("exchange", m.config.ExchangeName),
	)
	m.emit(Event{Role: l.role, Kind: EventReady})

	if hook != nil {
		hook(ch)
	}
}

// watch resets a link to idle when its connection or channel closes
func (m *Manager) watch(l *link, conn *amqp.Connection, ch *amqp.Channel) {
	defer m.wg.Done()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	var amqpErr *amqp.Error
	select {
	case <-m.ctx.Done():
		return
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
		conn.Close()
	}

	m.mu.Lock()
	if m.closed || l.conn != conn {
		m.mu.Unlock()
		return
	}
	l.state, l.conn, l.ch = stateIdle, nil, nil
	if m.readyClosed {
		m.ready = make(chan struct{})
		m.readyClosed = false
	}
	m.mu.Unlock()

	var err error
	if amqpErr != nil {
		err = amqpErr
	}
	m.logger.Warn("RabbitMQ connection lost",
		slog.String("role", string(l.role)),
		slog.Any("error", err),
	)
	m.emit(Event{Role: l.role, Kind: EventClose, Err: err})
}

func (m *Manager) emit(ev Event) {
	for _, hook := range m.hooks {
		hook(ev)
	}
}

// Close closes both links and stops any pending reconnection
func (m *Manager) Close() error {
	m.logger.Info("Closing RabbitMQ connections")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	links := []*link{m.pub, m.sub}
	m.mu.Unlock()

	var errs []error
	for _, l := range links {
		if l.ch != nil {
			if err := l.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				m.logger.Error("Failed to close RabbitMQ channel",
					slog.String("role", string(l.role)),
					slog.Any("error", err),
				)
			}
		}
		if l.conn != nil {
			if err := l.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s connection: %w", l.role, err))
			}
		}
	}

	m.wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.logger.Info("RabbitMQ connections closed successfully")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
