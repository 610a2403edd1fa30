package server

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

const DefaultHeartbeat = 30 * time.Second

// Transport is one client connection as the hub sees it.
type Transport interface {
	WriteJSON(v any) error
	Ping() error
	Close() error
}

type Client struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	topics    map[string]struct{}
	alive     bool
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Ping()
}

// ClientInfo is the public view of a registered client.
type ClientInfo struct {
	ID            string   `json:"id"`
	Remote        string   `json:"remote"`
	ConnectedAt   string   `json:"connected_at"`
	Subscriptions []string `json:"subscriptions"`
}

type Status struct {
	Running   bool    `json:"isRunning"`
	Clients   int     `json:"connectedClients"`
	UptimeSec float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

// Hub is the client registry and publish/subscribe layer. It knows nothing
// about WebSockets; Server feeds it connections.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Client
	started   time.Time
	heartbeat time.Duration
	closed    bool
	newID     func() string
}

func NewHub(heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		clients:   make(map[string]*Client),
		started:   time.Now(),
		heartbeat: heartbeat,
		newID:     uuid.NewString,
	}
}

// Connect registers a transport and greets it with its client id. It returns
// nil once the hub has been shut down.
func (h *Hub) Connect(t Transport, remote string) *Client {
	client := &Client{
		ID:          h.newID(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		transport:   t,
		topics:      make(map[string]struct{}),
		alive:       true,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = t.Close()
		return nil
	}
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("ws client connected: %s from %s (total: %d)", client.ID, remote, total)

	welcome := types.NewEnvelope(types.KindConnection, map[string]any{
		"status":  "connected",
		"message": "connected to fingerprint access agent",
	})
	welcome.ClientID = client.ID
	h.sendTo(client, welcome)
	return client
}

// HandleMessage processes one inbound frame from client id.
func (h *Hub) HandleMessage(id string, raw []byte) {
	client := h.lookup(id)
	if client == nil {
		return
	}

	var msg types.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendTo(client, errorEnvelope("invalid message: "+err.Error()))
		return
	}

	switch msg.Type {
	case types.KindPing:
		h.sendTo(client, types.NewEnvelope(types.KindPong, nil))
	case types.KindStatus:
		h.sendTo(client, types.NewEnvelope(types.KindStatusResponse, h.Status()))
	case types.KindSubscribe:
		topics := h.setTopics(client, msg.Events, true)
		h.sendTo(client, types.NewEnvelope(types.KindSubscribed, map[string]any{"events": topics}))
	case types.KindUnsubscribe:
		topics := h.setTopics(client, msg.Events, false)
		h.sendTo(client, types.NewEnvelope(types.KindUnsubscribed, map[string]any{"events": topics}))
	default:
		log.Printf("ws client %s sent unknown message type %q", id, msg.Type)
		h.sendTo(client, errorEnvelope("unknown message type: "+msg.Type))
	}
}

// setTopics replaces the client's subscriptions (subscribe) or removes the
// given ones (unsubscribe) and returns the resulting set.
func (h *Hub) setTopics(client *Client, events []string, subscribe bool) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscribe {
		client.topics = make(map[string]struct{}, len(events))
		for _, e := range events {
			if e != "" {
				client.topics[e] = struct{}{}
			}
		}
	} else {
		for _, e := range events {
			delete(client.topics, e)
		}
	}
	return sortedTopics(client.topics)
}

// Broadcast delivers env to every client subscribed to topic, or to all
// clients when topic is empty. Clients whose send fails are evicted. It
// returns the number of clients reached.
func (h *Hub) Broadcast(env types.Envelope, topic string) int {
	var targets []*Client
	h.mu.Lock()
	for _, c := range h.clients {
		if topic != "" {
			if _, ok := c.topics[topic]; !ok {
				continue
			}
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.send(env); err != nil {
			log.Printf("ws client %s: %v", c.ID, faults.Wrap(faults.CodeTransport, err, "broadcast %s", env.Type))
			h.evict(c)
			continue
		}
		delivered++
	}
	return delivered
}

// MarkAlive records a pong from client id.
func (h *Hub) MarkAlive(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.alive = true
	}
}

// Sweep runs one heartbeat round: clients that did not answer the previous
// probe are evicted, the rest are marked and probed again.
func (h *Hub) Sweep() {
	var dead, probe []*Client
	h.mu.Lock()
	for _, c := range h.clients {
		if !c.alive {
			dead = append(dead, c)
			continue
		}
		c.alive = false
		probe = append(probe, c)
	}
	h.mu.Unlock()

	for _, c := range dead {
		log.Printf("ws client %s missed heartbeat, disconnecting", c.ID)
		h.evict(c)
	}
	for _, c := range probe {
		if err := c.ping(); err != nil {
			log.Printf("ws client %s: ping failed: %v", c.ID, err)
			h.evict(c)
		}
	}
}

// RunHeartbeat sweeps on the hub's heartbeat period until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Disconnect removes client id. It is safe to call more than once.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		log.Printf("ws client disconnected: %s (total: %d)", id, total)
	}
}

// Shutdown tells every client the server is going away, closes them and
// refuses further connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	msg := types.NewEnvelope(types.KindServerShutdown, map[string]any{"message": "server shutting down"})
	for _, c := range clients {
		_ = c.send(msg)
		_ = c.transport.Close()
	}
	log.Printf("ws hub shut down, closed %d clients", len(clients))
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ClientInfo{
			ID:            c.ID,
			Remote:        c.Remote,
			ConnectedAt:   c.ConnectedAt.UTC().Format(time.RFC3339),
			Subscriptions: sortedTopics(c.topics),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt < out[j].ConnectedAt })
	return out
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Running:   !h.closed,
		Clients:   len(h.clients),
		UptimeSec: time.Since(h.started).Seconds(),
		Timestamp: types.Now(),
	}
}

func (h *Hub) lookup(id string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[id]
}

// sendTo writes to a single client; a failed write evicts it.
func (h *Hub) sendTo(c *Client, env types.Envelope) {
	if err := c.send(env); err != nil {
		log.Printf("ws client %s: %v", c.ID, faults.Wrap(faults.CodeTransport, err, "send %s", env.Type))
		h.evict(c)
	}
}

// evict drops c from the registry and closes its transport.
func (h *Hub) evict(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
	_ = c.transport.Close()
}

func errorEnvelope(message string) types.Envelope {
	return types.NewEnvelope(types.KindError, map[string]any{"message": message})
}

func sortedTopics(topics map[string]struct{}) []string {
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
