// Package broker owns the single MQTT session to the bot fleet. It turns
// one-way publishes into request/response calls using per-call reply
// topics, routes inbound telemetry to a Sink, and keeps reconnecting with a
// fixed delay for as long as it runs.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/telemetry"
)

var (
	// ErrNotConnected is returned when a publish is attempted while the
	// session is down.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrTimeout is returned by Call when no reply arrived in time.
	ErrTimeout = errors.New("broker: timed out waiting for reply")
	// ErrShuttingDown resolves calls still waiting when the client closes.
	ErrShuttingDown = errors.New("broker: shutting down")
)

const qosAtLeastOnce byte = 1

// MessageHandler receives raw inbound messages from a Conn.
type MessageHandler func(topic string, payload []byte)

// Conn is one established broker session.
type Conn interface {
	Subscribe(qos byte, topics ...string) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, payload []byte) error
	Close()
}

// Dialer opens a session. onLost is invoked at most once when an
// established session drops.
type Dialer func(ctx context.Context, onMessage MessageHandler, onLost func(error)) (Conn, error)

// Sink receives routed telemetry.
type Sink interface {
	Touch(botID string)
	AppendLog(botID string, e telemetry.LogEntry)
	SetPerformance(botID string, byController map[string]json.RawMessage)
}

// Handler is a custom subscriber invoked after built-in routing.
type Handler func(Message)

// Options configures a Client. Zero values take the defaults below.
type Options struct {
	Namespace         string
	ReplyNamespace    string
	NodeID            string
	ReconnectInterval time.Duration
	CallTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if o.Namespace == "" {
		o.Namespace = "hbot"
	}
	if o.ReplyNamespace == "" {
		o.ReplyNamespace = "backend-api/response"
	}
	if o.NodeID == "" {
		o.NodeID = "backend-api"
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
}

type customHandler struct {
	pattern string
	fn      Handler
}

// Client multiplexes commands, replies and telemetry over one session.
type Client struct {
	opts   Options
	dial   Dialer
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger

	msgID atomic.Int64

	mu             sync.Mutex
	conn           Conn
	connectedSince time.Time
	botSubs        map[string]bool
	pending        map[string]chan json.RawMessage
	handlers       []customHandler
	closed         bool
	done           chan struct{}
}

// New creates a Client. Nothing is dialled until Run is called.
func New(opts Options, dial Dialer, sink Sink, clk clock.Clock) *Client {
	opts.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	c := &Client{
		opts:    opts,
		dial:    dial,
		sink:    sink,
		clock:   clk,
		logger:  slog.Default(),
		botSubs: make(map[string]bool),
		pending: make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	c.msgID.Store(clk.Now().UnixMilli())
	return c
}

// Namespace returns the topic namespace bots publish under.
func (c *Client) Namespace() string { return c.opts.Namespace }

// Run keeps a session open until ctx is cancelled or Close is called,
// reconnecting after a fixed delay whenever the session fails or drops.
// On return every outstanding call has been resolved.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	for {
		lost, err := c.connect(ctx)
		if err != nil {
			c.logger.Error("broker connect failed", "error", err, "retry_in", c.opts.ReconnectInterval)
		} else {
			c.logger.Info("broker connected")
			select {
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			case err := <-lost:
				c.dropConn()
				c.logger.Error("broker connection lost", "error", err, "retry_in", c.opts.ReconnectInterval)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.clock.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) connect(ctx context.Context) (<-chan error, error) {
	lost := make(chan error, 1)
	conn, err := c.dial(ctx, c.dispatch, func(err error) {
		if err == nil {
			err = errors.New("connection closed")
		}
		select {
		case lost <- err:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrShuttingDown
	}
	c.conn = conn
	c.connectedSince = c.clock.Now()
	topics := append(c.fixedTopics(), c.botTopicsLocked()...)
	c.mu.Unlock()

	if err := conn.Subscribe(qosAtLeastOnce, topics...); err != nil {
		c.dropConn()
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	return lost, nil
}

func (c *Client) botTopicsLocked() []string {
	topics := make([]string, 0, len(c.botSubs))
	for id := range c.botSubs {
		topics = append(topics, c.botTopic(id))
	}
	sort.Strings(topics)
	return topics
}

func (c *Client) dropConn() {
	c.mu.Lock()
	c.conn = nil
	c.connectedSince = time.Time{}
	c.mu.Unlock()
}

func (c *Client) currentConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

// Close disconnects and resolves every outstanding call with
// ErrShuttingDown. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.pending = make(map[string]chan json.RawMessage)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Handle registers fn for inbound bot messages whose topic matches pattern.
func (c *Client) Handle(pattern string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, customHandler{pattern: pattern, fn: fn})
}

// SubscribeBot adds the per-bot wildcard subscription. It is remembered
// and re-issued after every reconnect.
func (c *Client) SubscribeBot(botID string) error {
	c.mu.Lock()
	c.botSubs[botID] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Subscribe(qosAtLeastOnce, c.botTopic(botID)); err != nil {
		return fmt.Errorf("subscribing to %s: %w", botID, err)
	}
	return nil
}

// UnsubscribeBot removes the per-bot wildcard subscription.
func (c *Client) UnsubscribeBot(botID string) error {
	c.mu.Lock()
	delete(c.botSubs, botID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Unsubscribe(c.botTopic(botID)); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", botID, err)
	}
	return nil
}

// Publish sends command to botID without waiting for a reply. A nil
// payload is sent as an empty object.
func (c *Client) Publish(botID, command string, payload any) error {
	return c.publish(c.commandTopic(botID, command), "", payload)
}

func (c *Client) publish(topic, replyTo string, payload any) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if replyTo == "" {
		replyTo = fmt.Sprintf("%s-%d", c.opts.NodeID, c.clock.Now().UnixMilli())
	}

	env := Envelope{
		Header: Header{
			Timestamp:  c.clock.Now().UnixMilli(),
			ReplyTo:    replyTo,
			MsgID:      c.msgID.Add(1),
			NodeID:     c.opts.NodeID,
			Agent:      c.opts.NodeID,
			Properties: map[string]any{},
		},
		Data: payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	if err := conn.Publish(topic, qosAtLeastOnce, body); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Call publishes command and waits for the reply on a fresh reply topic.
// It returns ErrTimeout once timeout elapses (CallTimeout when <= 0) and
// ErrShuttingDown if the client closes first. Replies that arrive after
// the call gave up are dropped.
func (c *Client) Call(ctx context.Context, botID, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	replyTopic := c.opts.ReplyNamespace + "/" + uuid.New().String()
	slot := make(chan json.RawMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	c.pending[replyTopic] = slot
	c.mu.Unlock()
	defer c.forget(replyTopic)

	if err := c.publish(c.commandTopic(botID, command), replyTopic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-slot:
		return reply, nil
	case <-c.clock.After(timeout):
		c.logger.Warn("call timed out", "bot_id", botID, "command", command, "reply_to", replyTopic)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrShuttingDown
	}
}

func (c *Client) forget(replyTopic string) {
	c.mu.Lock()
	delete(c.pending, replyTopic)
	c.mu.Unlock()
}

// PendingCalls returns the number of calls waiting for a reply.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Status is a point-in-time view of the session.
type Status struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	PendingCalls   int       `json:"pending_calls"`
	Subscriptions  []string  `json:"subscriptions"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:      c.conn != nil,
		ConnectedSince: c.connectedSince,
		PendingCalls:   len(c.pending),
		Subscriptions:  append(c.fixedTopics(), c.botTopicsLocked()...),
	}
}
