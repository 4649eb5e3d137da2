// Package router implements the central message router. It owns the
// authoritative append-only message log, the agent and channel registries,
// and per-agent delivery queues. Agents connect over websocket and exchange
// JSON frames; log order is the authoritative order of a run.
package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/events/bus"
	"github.com/troupelabs/troupe/pkg/envelope"
	"github.com/troupelabs/troupe/pkg/wire"
)

// Router is the central hub of a run. All agent communication flows through
// it; nothing is delivered without first being appended to the log.
type Router struct {
	cfg    config.RouterConfig
	msgLog *MessageLog
	reg    *registry
	events bus.EventBus
	logger *logger.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	stopMon  chan struct{}
}

// NewRouter creates a router. Call Start to bind the listening socket.
func NewRouter(cfg config.RouterConfig, events bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		cfg:    cfg,
		msgLog: NewMessageLog(),
		reg:    newRegistry(),
		events: events,
		logger: log.WithFields(zap.String("component", "router")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local agent processes only; no browser origins to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stopMon: make(chan struct{}),
	}
}

// Start binds the listening socket and begins serving connections. When the
// configured port is occupied the next ports are tried, up to the configured
// retry count.
func (r *Router) Start(ctx context.Context) error {
	var lastErr error
	for i := 0; i <= r.cfg.PortRetries; i++ {
		addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port+i)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		r.listener = ln
		break
	}
	if r.listener == nil {
		return fmt.Errorf("no free port in %d..%d: %w", r.cfg.Port, r.cfg.Port+r.cfg.PortRetries, lastErr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	r.server = &http.Server{Handler: mux}

	go func() {
		if err := r.server.Serve(r.listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("Router server stopped", zap.Error(err))
		}
	}()

	go r.monitorLiveness()

	r.logger.Info("Router listening", zap.String("addr", r.Addr()))
	return nil
}

// Addr returns the bound address, valid after Start.
func (r *Router) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// URL returns the websocket URL agents should dial.
func (r *Router) URL() string {
	return "ws://" + r.Addr() + "/ws"
}

// Shutdown stops the server and closes all connections.
func (r *Router) Shutdown(ctx context.Context) error {
	close(r.stopMon)
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// Log returns the authoritative message log.
func (r *Router) Log() *MessageLog {
	return r.msgLog
}

// Agents returns the registry contents for inspection.
func (r *Router) Agents() []AgentRecord {
	return r.reg.snapshot()
}

// Channels returns the registered channels.
func (r *Router) Channels() []*envelope.Channel {
	return r.reg.channelList()
}

// RegisterChannel adds or replaces a channel definition.
func (r *Router) RegisterChannel(ch *envelope.Channel) {
	r.reg.registerChannel(ch)
	r.logger.Info("Channel registered",
		zap.String("channel", ch.Name),
		zap.Int("members", len(ch.Members)))
}

// RegisterTeam stores a team description and pushes it to every member that
// is currently connected. Members that register later receive it then.
func (r *Router) RegisterTeam(info *envelope.TeamInfo) {
	r.reg.registerTeam(info)
	for _, id := range info.AgentIDs {
		r.sendTeamInfo(id, info)
	}
	r.sendTeamInfo(info.Identifier(), info)
}

// StoredState returns the last state snapshot pushed by the agent.
func (r *Router) StoredState(agentID string) ([]byte, bool) {
	return r.reg.getState(agentID)
}

// RequestStateDump asks a connected agent to push its current state.
func (r *Router) RequestStateDump(agentID string) error {
	frame, err := wire.NewFrame(wire.MsgTypeDumpState, agentID, nil)
	if err != nil {
		return err
	}
	r.reg.deliver(agentID, frame)
	return nil
}

// AgentStatus returns the current status of an agent.
func (r *Router) AgentStatus(agentID string) (string, bool) {
	return r.reg.status(agentID)
}

// StopAll sends a stop frame to every connected agent.
func (r *Router) StopAll() {
	for _, id := range r.reg.connectedIDs() {
		frame, err := wire.NewFrame(wire.MsgTypeStop, id, nil)
		if err != nil {
			continue
		}
		r.reg.deliver(id, frame)
	}
	r.logger.Info("Stop broadcast to all connected agents")
}

// Route accepts an envelope from inside the process (runner kickoff, tests)
// exactly as if it had arrived over the wire.
func (r *Router) Route(env *envelope.Envelope) {
	r.routeEnvelope(env)
}

// handleWS upgrades an incoming connection and starts its pumps.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newRemote(conn, r, r.logger)
	go c.writePump()
	go c.readPump()
}

// liveWindow is the period after which a silent agent is considered dead.
func (r *Router) liveWindow() time.Duration {
	return r.cfg.HeartbeatPeriod() * time.Duration(r.cfg.MaxMissedBeats)
}

// monitorLiveness periodically sweeps the registry for agents that stopped
// responding and marks them disconnected.
func (r *Router) monitorLiveness() {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopMon:
			return
		case <-ticker.C:
			for _, id := range r.reg.markStale(r.liveWindow()) {
				r.logger.Warn("Agent missed heartbeats, marked disconnected", zap.String("agent_id", id))
				r.publish(bus.SubjectAgentDisconnected, "agent.disconnected", map[string]interface{}{
					"agent_id": id,
					"reason":   "heartbeat",
				})
			}
		}
	}
}

func (r *Router) disconnect(c *remote) {
	if id := r.reg.disconnect(c); id != "" {
		r.logger.Info("Agent disconnected", zap.String("agent_id", id))
		r.publish(bus.SubjectAgentDisconnected, "agent.disconnected", map[string]interface{}{
			"agent_id": id,
			"reason":   "closed",
		})
	}
}

func (r *Router) touch(agentID string) {
	r.reg.touch(agentID)
}

// handleFrame processes one frame from an agent connection.
func (r *Router) handleFrame(c *remote, frame *wire.Frame) {
	r.reg.touch(frame.AgentID)

	switch frame.MsgType {
	case wire.MsgTypeRegister:
		r.handleRegister(c, frame)

	case wire.MsgTypeAgentMessage:
		var payload wire.MessagePayload
		if err := frame.ParsePayload(&payload); err != nil || payload.Message == nil {
			r.logger.Error("Malformed agent_message frame",
				zap.String("agent_id", frame.AgentID),
				zap.Error(err))
			return
		}
		if payload.Message.Source == "" {
			payload.Message.Source = frame.AgentID
		}
		r.routeEnvelope(payload.Message)

	case wire.MsgTypeGetState:
		state, _ := r.reg.getState(frame.AgentID)
		reply, err := wire.NewFrame(wire.MsgTypeStateUpdate, frame.AgentID, &wire.StatePayload{State: state})
		if err != nil {
			return
		}
		c.sendFrame(reply)

	case wire.MsgTypeStateUpdate:
		var payload wire.StatePayload
		if err := frame.ParsePayload(&payload); err != nil {
			r.logger.Error("Malformed state_update frame", zap.Error(err))
			return
		}
		r.reg.setState(frame.AgentID, payload.State)

	case wire.MsgTypeStatusUpdate:
		var payload wire.StatusPayload
		if err := frame.ParsePayload(&payload); err != nil {
			r.logger.Error("Malformed status_update frame", zap.Error(err))
			return
		}
		if r.reg.setStatus(frame.AgentID, payload.Status) {
			r.publish(bus.SubjectAgentStatusChanged, "agent.status", map[string]interface{}{
				"agent_id": frame.AgentID,
				"status":   payload.Status,
			})
		}

	case wire.MsgTypeStopAck:
		r.reg.setStopAck(frame.AgentID)
		r.logger.Info("Stop acknowledged", zap.String("agent_id", frame.AgentID))

	case wire.MsgTypeHeartbeat:
		reply, err := wire.NewFrame(wire.MsgTypeHeartbeatAck, frame.AgentID, nil)
		if err != nil {
			return
		}
		c.sendFrame(reply)

	default:
		r.logger.Warn("Unhandled frame type",
			zap.String("msg_type", string(frame.MsgType)),
			zap.String("agent_id", frame.AgentID))
	}
}

func (r *Router) handleRegister(c *remote, frame *wire.Frame) {
	agentID := frame.AgentID
	if agentID == "" {
		ack, _ := wire.NewFrame(wire.MsgTypeRegisterAck, agentID, &wire.RegisterAckPayload{
			OK: false, Error: "agent_id is required",
		})
		c.sendFrame(ack)
		return
	}

	backlog, err := r.reg.register(agentID, c, r.liveWindow())
	if err != nil {
		r.logger.Warn("Registration rejected",
			zap.String("agent_id", agentID),
			zap.Error(err))
		ack, _ := wire.NewFrame(wire.MsgTypeRegisterAck, agentID, &wire.RegisterAckPayload{
			OK: false, Error: err.Error(),
		})
		c.sendFrame(ack)
		return
	}

	c.setAgentID(agentID)
	ack, _ := wire.NewFrame(wire.MsgTypeRegisterAck, agentID, &wire.RegisterAckPayload{OK: true})
	c.sendFrame(ack)

	// Replay the agent's slice of the log in log order, then any non-message
	// frames held in the backlog. Agents skip replayed messages they already
	// handled through their processed set, so a restarted agent resumes where
	// it left off instead of double-processing.
	for _, env := range r.msgLog.Snapshot() {
		if !r.addressedTo(agentID, env) {
			continue
		}
		frame, err := wire.NewFrame(wire.MsgTypeRouterMessage, agentID, &wire.MessagePayload{Message: env})
		if err != nil {
			continue
		}
		c.sendFrame(frame)
	}
	for _, queued := range backlog {
		if queued.MsgType == wire.MsgTypeRouterMessage {
			continue // covered by the log replay
		}
		c.sendFrame(queued)
	}

	if info, ok := r.reg.teamFor(agentID); ok {
		r.sendTeamInfo(agentID, info)
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.Int("backlog", len(backlog)))
	r.publish(bus.SubjectAgentRegistered, "agent.registered", map[string]interface{}{
		"agent_id": agentID,
	})
}

// routeEnvelope appends the envelope to the log and delivers it.
//
// Channel messages go to every member except the sender. Direct messages go
// to the destination, queued if it is not connected yet. Envelopes with
// neither channel nor destination are logged but delivered nowhere.
func (r *Router) routeEnvelope(env *envelope.Envelope) {
	r.msgLog.Append(env)

	recipients := r.recipients(env)
	if len(recipients) == 0 {
		r.logger.Warn("Message logged without recipients",
			zap.String("message_id", env.MessageID),
			zap.String("source", env.Source),
			zap.String("channel", env.Channel))
	}
	for _, id := range recipients {
		frame, err := wire.NewFrame(wire.MsgTypeRouterMessage, id, &wire.MessagePayload{Message: env})
		if err != nil {
			r.logger.Error("Failed to build router_message frame", zap.Error(err))
			continue
		}
		r.reg.deliver(id, frame)
	}

	r.logger.Debug("Message routed",
		zap.String("message_id", env.MessageID),
		zap.String("source", env.Source),
		zap.String("destination", env.Destination),
		zap.String("channel", env.Channel),
		zap.Int("recipients", len(recipients)))
	r.publish(bus.SubjectMessageRouted, "message.routed", map[string]interface{}{
		"message_id":  env.MessageID,
		"source":      env.Source,
		"destination": env.Destination,
		"channel":     env.Channel,
	})
}

// recipients resolves who receives an envelope: every channel member except
// the sender, or the direct destination. Unknown channels and envelopes with
// no target resolve to nobody.
func (r *Router) recipients(env *envelope.Envelope) []string {
	if env.Channel != "" {
		ch, ok := r.reg.channel(env.Channel)
		if !ok {
			return nil
		}
		var out []string
		for _, member := range ch.Members {
			if member != env.Source {
				out = append(out, member)
			}
		}
		return out
	}

	if env.Destination == "" {
		return nil
	}
	return []string{env.Destination}
}

func (r *Router) addressedTo(agentID string, env *envelope.Envelope) bool {
	for _, id := range r.recipients(env) {
		if id == agentID {
			return true
		}
	}
	return false
}

func (r *Router) sendTeamInfo(agentID string, info *envelope.TeamInfo) {
	frame, err := wire.NewFrame(wire.MsgTypeTeamInfo, agentID, &wire.TeamInfoPayload{TeamInfo: info})
	if err != nil {
		return
	}
	r.reg.deliver(agentID, frame)
}

func (r *Router) publish(subject, eventType string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "router", data)
	if err := r.events.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("Failed to publish runtime event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
