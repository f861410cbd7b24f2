package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 10 * time.Second
)

// Handler receives the payload of a message on a subscribed topic.
type Handler func(payload json.RawMessage)

// Client maintains a single multiplexed websocket connection to a Broker.
// Subscriptions requested while disconnected are queued and flushed in
// order on connect; on reconnect every active topic is re-subscribed.
// Reconnection backs off exponentially from 1s to a 10s cap; a deliberate
// Close suppresses reconnection.
type Client struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[int]Handler
	order    []string // topics in subscription order
	nextID   int
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client for the broker at url (ws:// or http://).
func NewClient(url string) *Client {
	return &Client{
		url:      url,
		handlers: make(map[string]map[int]Handler),
		done:     make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; delivery
// begins once the first dial succeeds.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	delay := reconnectBaseDelay

	for {
		if c.isClosed() || ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			slog.Debug("pubsub dial failed, backing off", "url", c.url, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectBaseDelay

		c.onConnect(ctx, conn)
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

// onConnect flushes subscriptions: queued topics first, in the order they
// were requested, which also re-subscribes everything active before a
// disconnect.
func (c *Client) onConnect(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	topics := make([]string, len(c.order))
	copy(topics, c.order)
	c.mu.Unlock()

	for _, topic := range topics {
		c.writeControl(ctx, conn, FrameSubscribe, topic)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid pubsub frame from server", "error", err)
			continue
		}

		c.mu.Lock()
		handlers := make([]Handler, 0, len(c.handlers[msg.Topic]))
		for _, h := range c.handlers[msg.Topic] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(msg.Payload)
		}
	}
}

// Subscribe registers a handler for topic and returns an unsubscribe
// function. The first handler of a topic sends (or queues) a subscribe
// frame; removing the last one sends an unsubscribe frame, or drops the
// topic from the queue if the subscribe was never sent.
func (c *Client) Subscribe(topic string, h Handler) func() {
	c.mu.Lock()
	first := len(c.handlers[topic]) == 0
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[int]Handler)
	}
	c.nextID++
	id := c.nextID
	c.handlers[topic][id] = h
	if first {
		c.order = append(c.order, topic)
	}
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		c.writeControl(context.Background(), conn, FrameSubscribe, topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(topic, id) })
	}
}

func (c *Client) unsubscribe(topic string, id int) {
	c.mu.Lock()
	delete(c.handlers[topic], id)
	last := len(c.handlers[topic]) == 0
	if last {
		delete(c.handlers, topic)
		for i, t := range c.order {
			if t == topic {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.writeControl(context.Background(), conn, FrameUnsubscribe, topic)
	}
}

func (c *Client) writeControl(ctx context.Context, conn *websocket.Conn, frameType, topic string) {
	data, err := json.Marshal(Message{Type: frameType, Topic: topic})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("pubsub control write failed", "type", frameType, "topic", topic, "error", err)
	}
}

// Close tears down the connection and suppresses reconnection. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
		<-c.done
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
