// Package fanout distributes captured requests to live subscribers. Rooms are
// keyed by endpoint id and split by role: dashboards receive new-request,
// tunnel agents receive tunnel-request.
package fanout

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/hooktunnel/internal/protocol"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const DefaultBuffer = 64

var (
	ErrUnknownRole = errors.New("fanout: unknown role")
	ErrClosed      = errors.New("fanout: client disconnected")
)

type room struct {
	endpointID string
	role       string
}

// Client is one live connection. The transport drains Messages() and writes
// each message to the wire.
type Client struct {
	id   string
	send chan protocol.Message

	mu     sync.Mutex
	closed bool
	room   room

	dropped atomic.Int64
}

func (c *Client) ID() string { return c.id }

func (c *Client) Messages() <-chan protocol.Message { return c.send }

// Dropped reports how many messages were discarded because the client fell behind.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Room returns the current membership; ok is false before the first join.
func (c *Client) Room() (endpointID, role string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.endpointID, c.room.role, c.room.endpointID != ""
}

// offer enqueues m without blocking. It reports false when the client is gone
// or its buffer is full.
func (c *Client) offer(m protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- m:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Send delivers a direct message to this client, outside any room.
func (c *Client) Send(m protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.offer(m) {
		return errors.New("fanout: client buffer full")
	}
	return nil
}

type PublishStats struct {
	Dashboards int
	Tunnels    int
	Dropped    int
}

type Bus struct {
	mu     sync.RWMutex
	rooms  map[room]map[*Client]struct{}
	buffer int
	logger *slog.Logger
}

type Option func(*Bus)

func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		rooms:  make(map[room]map[*Client]struct{}),
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect allocates a client that has not joined any room yet.
func (b *Bus) Connect() *Client {
	return &Client{
		id:   uuid.New().String(),
		send: make(chan protocol.Message, b.buffer),
	}
}

// Join places c in the room for endpointID/role, replacing any previous membership.
func (b *Bus) Join(c *Client, endpointID, role string) error {
	if role != protocol.RoleDashboard && role != protocol.RoleTunnel {
		return ErrUnknownRole
	}
	next := room{endpointID: endpointID, role: role}

	b.mu.Lock()
	defer b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	b.removeLocked(c, c.room)
	members := b.rooms[next]
	if members == nil {
		members = make(map[*Client]struct{})
		b.rooms[next] = members
	}
	members[c] = struct{}{}
	c.room = next
	return nil
}

// Leave drops c's membership but keeps the client usable.
func (b *Bus) Leave(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	b.removeLocked(c, c.room)
	c.room = room{}
}

// Disconnect releases c's membership and closes its message channel. It is safe to call more than once.
func (b *Bus) Disconnect(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	b.removeLocked(c, c.room)
	c.room = room{}
	c.closed = true
	close(c.send)
}

// removeLocked must be called with b.mu and c.mu held.
func (b *Bus) removeLocked(c *Client, r room) {
	if r.endpointID == "" {
		return
	}
	members := b.rooms[r]
	delete(members, c)
	if len(members) == 0 {
		delete(b.rooms, r)
	}
}

func (b *Bus) snapshot(r room) []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := b.rooms[r]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

func (b *Bus) broadcast(r room, m protocol.Message) (delivered, dropped int) {
	for _, c := range b.snapshot(r) {
		if c.offer(m) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Publish sends req to the dashboard and tunnel rooms of endpointID. It never
// blocks on a slow subscriber.
func (b *Bus) Publish(endpointID string, req *store.Request) PublishStats {
	var stats PublishStats

	dash, err := protocol.NewMessage(protocol.EventNewRequest, req)
	if err != nil {
		b.logger.Error("encode new-request", "endpoint_id", endpointID, "error", err)
		return stats
	}
	tunnel := protocol.Message{Event: protocol.EventTunnelRequest, Data: dash.Data}

	var d int
	stats.Dashboards, d = b.broadcast(room{endpointID, protocol.RoleDashboard}, dash)
	stats.Dropped += d
	stats.Tunnels, d = b.broadcast(room{endpointID, protocol.RoleTunnel}, tunnel)
	stats.Dropped += d

	if stats.Dropped > 0 {
		b.logger.Warn("slow subscribers dropped message", "endpoint_id", endpointID, "request_id", req.ID, "dropped", stats.Dropped)
	}
	return stats
}

// PublishTunnelResponse relays a tunnel agent's forward outcome to the endpoint's dashboards.
func (b *Bus) PublishTunnelResponse(endpointID string, resp protocol.TunnelResponse) int {
	resp.EndpointID = endpointID
	m, err := protocol.NewMessage(protocol.EventTunnelResponse, resp)
	if err != nil {
		b.logger.Error("encode tunnel-response", "endpoint_id", endpointID, "error", err)
		return 0
	}
	delivered, _ := b.broadcast(room{endpointID, protocol.RoleDashboard}, m)
	return delivered
}

func (b *Bus) RoomSize(endpointID, role string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room{endpointID, role}])
}
