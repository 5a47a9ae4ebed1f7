package hubserver

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mcphub/hub/internal/eventlog"
	"github.com/mcphub/hub/internal/protocol"
	"github.com/mcphub/hub/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are trusted operator-deployed workers, not browser pages;
	// the Submission API's own CORS policy governs the HTTP surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeAgentWS upgrades the request to a WebSocket, waits for the
// agent's register frame, admits it to the registry, and pumps frames
// between the connection and the dispatcher until it disconnects — the
// accept(conn)/on_message(agent_id, message) operations of SPEC_FULL §4.1.
func (h *Hub) ServeAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Warn("agent closed before registering", "error", err)
		ws.Close()
		return
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Kind != protocol.KindRegister || env.Register == nil {
		h.logger.Warn("first frame was not a valid register envelope", "error", err)
		ws.Close()
		return
	}

	queueSize := h.Cfg.AgentOutboundQueueSize
	conn := registry.NewConn(env.Register.AgentID, ws, queueSize, h.logger)
	agent, err := h.Registry.Register(*env.Register, conn)
	if err != nil {
		h.logger.Warn("agent registration rejected", "agent_id", env.Register.AgentID, "error", err)
		ws.Close()
		return
	}
	h.Log.Append(eventlog.Event{Component: "registry", EventType: "agent_connected", AgentID: agent.AgentID, Level: eventlog.LevelInfo})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go conn.Run(ctx)
	go h.pumpAgentInbound(ctx, agent.AgentID, conn)

	<-conn.Closed()
	h.Registry.MarkDisconnected(agent.AgentID)
	h.Dispatcher.HandleDisconnect(agent.AgentID)
	h.Log.Append(eventlog.Event{Component: "registry", EventType: "agent_disconnected", AgentID: agent.AgentID, Level: eventlog.LevelInfo})
}

func (h *Hub) pumpAgentInbound(ctx context.Context, agentID string, conn *registry.Conn) {
	for {
		select {
		case env, ok := <-conn.Inbound():
			if !ok {
				return
			}
			h.handleAgentFrame(agentID, conn, env)
		case <-ctx.Done():
			return
		case <-conn.Closed():
			return
		}
	}
}

func (h *Hub) handleAgentFrame(agentID string, conn *registry.Conn, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindHeartbeat:
		h.Registry.Heartbeat(agentID)
	case protocol.KindPing:
		conn.Send(protocol.NewPongEnvelope(env.ID))
	case protocol.KindResult:
		if env.Result != nil {
			h.Dispatcher.HandleResult(agentID, *env.Result)
		}
	case protocol.KindError:
		if env.Error != nil {
			h.Dispatcher.HandleError(agentID, *env.Error)
		}
	case protocol.KindProgress:
		if env.Progress != nil {
			h.Log.Append(eventlog.Event{
				Component: "registry", EventType: "task_progress",
				AgentID: agentID, TaskID: env.Progress.TaskID, Level: eventlog.LevelDebug,
			})
		}
	default:
		h.logger.Debug("ignoring unexpected frame kind from agent", "agent_id", agentID, "kind", env.Kind)
	}
}
