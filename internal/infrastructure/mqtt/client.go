package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meterpoint/metersync/internal/infrastructure/config"
)

// Logger is the slice of logging.Logger the client needs for reporting
// handler failures. An interface so tests can capture output.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one inbound message. Paho invokes handlers
// on its own goroutines; a handler that blocks stalls the client's
// inbound queue, so long work belongs elsewhere. A returned error is
// logged, nothing more.
type MessageHandler func(topic string, payload []byte) error

// subscription remembers what to re-establish after a reconnect.
type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is the agent's broker session. It carries sideband traffic
// only: presence, retained status snapshots and operator commands.
// Readings never travel over MQTT.
//
// Paho reconnects on its own; the client rides along by restoring its
// subscriptions and republishing presence each time the session comes
// back. All methods are safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu           sync.RWMutex
	connected    bool
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Connect dials the broker and blocks until the session is up or the
// connect timeout passes.
func Connect(cfg config.MQTTConfig, agentID string) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		topics: NewTopics(cfg.TopicPrefix, agentID),
		subs:   make(map[string]subscription),
	}

	opts := clientOptions(cfg, c.topics)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionDown(err) })

	c.paho = pahomqtt.NewClient(opts)

	tok := c.paho.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect callback lands asynchronously. Mark the session up
	// here so IsConnected holds as soon as Connect returns.
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	return c, nil
}

// Topics returns the topic layout for this agent.
func (c *Client) Topics() Topics { return c.topics }

// sessionUp runs on every (re)connect: restore subscriptions, announce
// presence, then hand off to the registered callback.
func (c *Client) sessionUp() {
	c.mu.Lock()
	c.connected = true
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	notify := c.onConnect
	c.mu.Unlock()

	// Fire-and-forget on purpose: a failed restore will be retried on
	// the next reconnect, and blocking here would stall paho's
	// connection goroutine.
	for topic, sub := range subs {
		c.paho.Subscribe(topic, sub.qos, c.dispatch(sub.handler))
	}
	c.paho.Publish(c.topics.Availability(), byte(c.cfg.QoS), true,
		presencePayload(c.topics.AgentID, presenceOnline, ""))

	if notify != nil {
		notify()
	}
}

func (c *Client) sessionDown(err error) {
	c.mu.Lock()
	c.connected = false
	notify := c.onDisconnect
	c.mu.Unlock()

	if notify != nil {
		notify(err)
	}
}

// Close announces a graceful offline, distinct from the will's crash
// reason, then tears the session down.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		tok := c.paho.Publish(c.topics.Availability(), byte(c.cfg.QoS), true,
			presencePayload(c.topics.AgentID, presenceOffline, "graceful_shutdown"))
		tok.WaitTimeout(ackTimeout)
	}
	c.paho.Disconnect(disconnectQuiesceMS)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// HealthCheck reports whether the session is currently up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect registers a callback fired on the initial connect and
// each reconnect, after subscriptions have been restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers a callback fired when the session drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger gives handler failures somewhere to go. Without one they
// are dropped silently.
func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}
