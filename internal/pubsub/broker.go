package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Outbound frames buffered per connection before the connection is
// declared a slow subscriber and dropped.
const clientSendBuffer = 64

// Broker multiplexes topic-addressed messages over websocket connections.
// Clients send subscribe/unsubscribe control frames; the broker routes
// every published message to the connections subscribed to its topic.
type Broker struct {
	mu      sync.RWMutex
	clients map[*brokerClient]struct{}
	seq     map[string]uint64
	nextID  int
}

type brokerClient struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex // guards topics, closed, and sends on send
	topics map[string]struct{}
	closed bool
	send   chan []byte
}

// enqueue queues an outbound frame and reports whether the client's
// buffer was full. Sending under mu, with closed checked first, keeps
// publishers from racing drop's close of the send channel.
func (c *brokerClient) enqueue(data []byte) (full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return false
	default:
		return true
	}
}

func NewBroker() *Broker {
	return &Broker{
		clients: make(map[*brokerClient]struct{}),
		seq:     make(map[string]uint64),
	}
}

// HandleWS is the HTTP handler for the /ws endpoint.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-first server, any origin
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	b.mu.Lock()
	b.nextID++
	client := &brokerClient{
		id:     fmt.Sprintf("client-%d", b.nextID),
		conn:   c,
		topics: make(map[string]struct{}),
		send:   make(chan []byte, clientSendBuffer),
	}
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	slog.Info("pubsub client connected", "id", client.id, "remote", r.RemoteAddr)

	ctx := r.Context()
	go client.writeLoop(ctx)
	b.readLoop(ctx, client)
}

func (b *Broker) readLoop(ctx context.Context, client *brokerClient) {
	defer func() {
		b.drop(client, websocket.StatusNormalClosure, "")
		slog.Info("pubsub client disconnected", "id", client.id)
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid pubsub frame", "client", client.id, "error", err)
			continue
		}

		switch msg.Type {
		case FrameSubscribe:
			client.mu.Lock()
			client.topics[msg.Topic] = struct{}{}
			client.mu.Unlock()
			slog.Debug("pubsub subscribe", "client", client.id, "topic", msg.Topic)
		case FrameUnsubscribe:
			client.mu.Lock()
			delete(client.topics, msg.Topic)
			client.mu.Unlock()
			slog.Debug("pubsub unsubscribe", "client", client.id, "topic", msg.Topic)
		default:
			// Clients publish nothing; ignore anything else.
			slog.Warn("unexpected pubsub frame from client", "client", client.id, "type", msg.Type)
		}
	}
}

func (c *brokerClient) writeLoop(ctx context.Context) {
	for data := range c.send {
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

// Publish routes payload to every connection subscribed to topic. Each
// topic carries its own monotonic sequence number. A connection whose
// outbound buffer is full is closed as a slow subscriber.
func (b *Broker) Publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("pubsub payload marshal failed", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	b.seq[topic]++
	msg := Message{Topic: topic, Seq: b.seq[topic], Payload: raw}
	data, err := json.Marshal(msg)
	if err != nil {
		b.mu.Unlock()
		return
	}
	subscribers := make([]*brokerClient, 0, len(b.clients))
	for client := range b.clients {
		client.mu.Lock()
		_, subscribed := client.topics[topic]
		client.mu.Unlock()
		if subscribed {
			subscribers = append(subscribers, client)
		}
	}
	b.mu.Unlock()

	for _, client := range subscribers {
		if client.enqueue(data) {
			slog.Warn("dropping slow pubsub subscriber", "id", client.id, "topic", topic)
			go b.drop(client, websocket.StatusPolicyViolation, "slow subscriber")
		}
	}
}

// SubscriberCount returns the number of connections subscribed to topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for client := range b.clients {
		client.mu.Lock()
		if _, ok := client.topics[topic]; ok {
			n++
		}
		client.mu.Unlock()
	}
	return n
}

// CloseAll disconnects every client, for server shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	clients := make([]*brokerClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.Unlock()

	for _, client := range clients {
		b.drop(client, websocket.StatusGoingAway, "server shutting down")
	}
}

func (b *Broker) drop(client *brokerClient, code websocket.StatusCode, reason string) {
	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()

	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	client.mu.Unlock()
	_ = client.conn.Close(code, reason)
}
