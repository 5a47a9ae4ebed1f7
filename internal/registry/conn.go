package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcphub/hub/internal/protocol"
)

// Conn wraps one agent's WebSocket connection: a buffered outbound queue
// and the goroutines that pump frames to and from the wire. The queue
// size is fixed at construction from AppConfig.AgentOutboundQueueSize; a
// full queue makes Send fail rather than block the dispatcher.
type Conn struct {
	agentID string
	ws      *websocket.Conn
	logger  *slog.Logger

	outbound chan *protocol.Envelope
	inbound  chan *protocol.Envelope
	closed   chan struct{}
	doneOnce sync.Once
}

// NewConn wraps ws for agentID with an outbound queue of the given size.
func NewConn(agentID string, ws *websocket.Conn, queueSize int, logger *slog.Logger) *Conn {
	return &Conn{
		agentID:  agentID,
		ws:       ws,
		logger:   logger,
		outbound: make(chan *protocol.Envelope, queueSize),
		inbound:  make(chan *protocol.Envelope, queueSize),
		closed:   make(chan struct{}),
	}
}

// Inbound returns the channel of envelopes received from the agent.
func (c *Conn) Inbound() <-chan *protocol.Envelope { return c.inbound }

// Outbound returns the channel of envelopes queued for delivery to the
// agent. Production code never reads it directly — writePump drains it
// — but it lets tests observe what the hub sent without a real socket.
func (c *Conn) Outbound() <-chan *protocol.Envelope { return c.outbound }

// Closed returns a channel closed once the connection's pumps have
// stopped (read error, write error, or explicit Close).
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Send enqueues env for delivery to the agent. It returns false without
// blocking if the outbound queue is full — the dispatcher treats this as
// a transient failure of that dispatch and retries the task.
func (c *Conn) Send(env *protocol.Envelope) bool {
	select {
	case c.outbound <- env:
		return true
	default:
		return false
	}
}

// Run starts the read and write pumps and blocks until either fails or
// ctx is cancelled. Callers should run it in its own goroutine.
func (c *Conn) Run(ctx context.Context) {
	done := make(chan struct{})
	go c.readPump(done)
	go c.writePump(ctx, done)
	<-done
	close(c.closed)
	c.ws.Close()
}

func (c *Conn) readPump(done chan struct{}) {
	defer c.signalDone(done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("agent connection read error", "agent_id", c.agentID, "error", err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "agent_id", c.agentID, "error", err)
			continue
		}
		select {
		case c.inbound <- env:
		default:
			c.logger.Warn("inbound queue full, dropping frame", "agent_id", c.agentID)
		}
	}
}

func (c *Conn) writePump(ctx context.Context, done chan struct{}) {
	defer c.signalDone(done)
	for {
		select {
		case env := <-c.outbound:
			data, err := env.Encode()
			if err != nil {
				c.logger.Error("failed to encode outbound frame", "agent_id", c.agentID, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("agent connection write error", "agent_id", c.agentID, "error", err)
				return
			}
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		}
	}
}

// signalDone closes ch exactly once; both pumps race to signal
// completion of the connection.
func (c *Conn) signalDone(ch chan struct{}) {
	c.doneOnce.Do(func() { close(ch) })
}
