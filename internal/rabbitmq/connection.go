package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/brokersvc/internal/reliability"
)

// MaxPrefetchCount is the largest prefetch count the protocol can carry.
const MaxPrefetchCount = 65535

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the broker connection and its single channel.
//
// Reconnection is lazy: a lost connection is only detected and logged in the
// background; the next EnsureConnection (called by every publish and consume)
// dials again. There is no background reconnect loop.
type ConnectionManager struct {
	url            string
	connectionName string
	dialer         Dialer
	connectTimeout time.Duration
	prefetchCount  int
	confirms       bool
	topology       Topology
	topologyMgr    *TopologyManager
	logger         *slog.Logger
	metrics        *Metrics

	mu      sync.Mutex // guards session state and serializes connects
	conn    Connection
	channel Channel
	closing bool

	chMu sync.Mutex // serializes writes on the channel

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithConnectionName sets the client-provided name shown in the broker's management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithPrefetchCount sets the maximum number of unacknowledged deliveries on
// the channel. Values outside 1..MaxPrefetchCount make every connect fail
// with ErrInvalidConfiguration.
func WithPrefetchCount(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetchCount = count
	}
}

// WithTopology sets the topology declared after every connect
func WithTopology(topology Topology) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.topology = topology
	}
}

// WithPublisherConfirms puts the channel in confirm mode after every connect
func WithPublisherConfirms(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.confirms = enabled
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// NewConnectionManager creates a new connection manager. Nothing is dialed
// until Connect or EnsureConnection is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: 30 * time.Second,
		prefetchCount:  10,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dialer == nil {
		cm.dialer = NewAMQPDialer(cm.connectionName, cm.connectTimeout)
	}
	cm.topologyMgr = NewTopologyManager(cm.logger)

	return cm
}

// Topology returns the topology declared on every connect
func (cm *ConnectionManager) Topology() Topology {
	return cm.topology
}

// TopologyManager returns the manager used for declarations
func (cm *ConnectionManager) TopologyManager() *TopologyManager {
	return cm.topologyMgr
}

// Connect opens a connection and a channel, applies QoS and declares the
// topology. An existing session is closed first.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectLocked(ctx)
}

// EnsureConnection connects only if there is no live session.
func (cm *ConnectionManager) EnsureConnection(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnectedLocked() {
		return nil
	}
	return cm.connectLocked(ctx)
}

// IsConnected returns true only when both the connection and the channel
// are open and no disconnect is in progress.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.isConnectedLocked()
}

func (cm *ConnectionManager) isConnectedLocked() bool {
	return !cm.closing &&
		cm.conn != nil && !cm.conn.IsClosed() &&
		cm.channel != nil && !cm.channel.IsClosed()
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) error {
	if cm.conn != nil || cm.channel != nil {
		_ = cm.teardownLocked()
	}

	if cm.prefetchCount < 1 || cm.prefetchCount > MaxPrefetchCount {
		return reliability.Permanent(fmt.Errorf("%w: prefetch count %d outside 1..%d",
			ErrInvalidConfiguration, cm.prefetchCount, MaxPrefetchCount))
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.metrics.connectFailed()
		cm.logger.Error("failed to connect to broker", "url", SanitizeURL(cm.url), "error", err)
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		cm.metrics.connectFailed()
		return cm.connectionError("open channel", err)
	}

	if err := ch.Qos(cm.prefetchCount, 0, false); err != nil {
		_ = conn.Close()
		cm.metrics.connectFailed()
		return cm.connectionError("set qos", err)
	}

	if cm.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			cm.metrics.connectFailed()
			return cm.connectionError("enable confirms", err)
		}
	}

	if !cm.topology.IsZero() {
		if err := cm.topologyMgr.Declare(ch, cm.topology); err != nil {
			_ = conn.Close()
			cm.metrics.connectFailed()
			return err
		}
	}

	cm.conn = conn
	cm.channel = ch
	cm.closing = false

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)

	cm.metrics.connected()
	cm.logger.Info("connected to broker",
		"url", SanitizeURL(cm.url),
		"prefetchCount", cm.prefetchCount,
	)
	cm.notifyConnected()

	return nil
}

// dial runs the dialer bounded by ctx and the connect timeout. A connection
// that completes after the deadline is closed.
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dialer(connCtx, cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, cm.connectionError("connect", r.err)
		}
		return r.conn, nil

	case <-connCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, cm.connectionError("connect", err)
	}
}

func (cm *ConnectionManager) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// watch logs a connection loss. It does not reconnect.
func (cm *ConnectionManager) watch(notify chan *amqp.Error) {
	err, ok := <-notify
	if !ok || err == nil {
		// graceful close
		return
	}

	cm.logger.Error("broker connection lost", "error", err)
	cm.metrics.disconnected("lost")
	cm.notifyDisconnected(err)
}

// Disconnect closes the channel then the connection. Safe to call repeatedly.
//
// Consumers end with the channel but their in-flight handlers keep running,
// and nothing stops later calls: a Publish or Execute after Disconnect dials
// a new session. Stop consumers first (Consumer.CancelAll) when shutting
// down.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil && cm.channel == nil {
		return nil
	}

	cm.closing = true
	err := cm.teardownLocked()
	cm.closing = false

	cm.metrics.disconnected("closed")
	cm.logger.Info("disconnected from broker")
	cm.notifyDisconnected(nil)

	return err
}

func (cm *ConnectionManager) teardownLocked() error {
	var firstErr error
	if cm.channel != nil && !cm.channel.IsClosed() {
		if err := cm.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		if err := cm.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cm.channel = nil
	cm.conn = nil
	return firstErr
}

// Execute ensures a live session and runs fn with the channel. Calls are
// serialized, so publishes on the channel keep call order.
func (cm *ConnectionManager) Execute(ctx context.Context, fn func(Channel) error) error {
	if err := cm.EnsureConnection(ctx); err != nil {
		return err
	}

	cm.mu.Lock()
	ch := cm.channel
	cm.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	cm.chMu.Lock()
	defer cm.chMu.Unlock()

	if ch.IsClosed() {
		return ErrChannelClosed
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// withOpenChannel runs fn on the current channel without connecting.
func (cm *ConnectionManager) withOpenChannel(fn func(Channel) error) error {
	cm.mu.Lock()
	if !cm.isConnectedLocked() {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	ch := cm.channel
	cm.mu.Unlock()

	cm.chMu.Lock()
	defer cm.chMu.Unlock()
	return fn(ch)
}

// InspectQueue reports depth and consumer count of a queue. The passive
// declare runs on its own short-lived channel, so a missing queue closes
// that channel and leaves the session channel and its consumers alone. It
// never dials; ErrNotConnected is returned when disconnected.
func (cm *ConnectionManager) InspectQueue(name string) (amqp.Queue, error) {
	cm.mu.Lock()
	if !cm.isConnectedLocked() {
		cm.mu.Unlock()
		return amqp.Queue{}, ErrNotConnected
	}
	conn := cm.conn
	cm.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return amqp.Queue{}, cm.connectionError("open channel", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	return cm.topologyMgr.InspectQueue(ch, name)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
