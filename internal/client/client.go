// Package client implements the agent-side connection to the message router.
// Each agent process holds exactly one Client; it maintains a local ordered
// view of the messages the router delivered to it and exposes blocking waits
// over that view.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
	"github.com/troupelabs/troupe/pkg/wire"
)

const (
	writeWait         = 10 * time.Second
	registerWait      = 10 * time.Second
	reconnectBackoff  = 500 * time.Millisecond
	maxBackoff        = 5 * time.Second
	heartbeatInterval = 5 * time.Second
)

// StateProvider returns the agent's current serialized state. Invoked when
// the router requests a dump.
type StateProvider func() json.RawMessage

// Client is an agent's connection to the router. All methods are safe for
// concurrent use.
type Client struct {
	agentID string
	url     string
	logger  *logger.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	view      []*envelope.Envelope // local ordered view, append-only
	teamInfo  *envelope.TeamInfo
	stopped   bool
	closed    bool
	beating   bool
	heartbeat time.Duration

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ackCh   chan *wire.RegisterAckPayload
	stateCh chan json.RawMessage

	onStop        func()
	stateProvider StateProvider
}

// New creates a client for the given agent id against the router URL.
func New(agentID, routerURL string, log *logger.Logger) *Client {
	c := &Client{
		agentID:   agentID,
		url:       routerURL,
		logger:    log.WithFields(zap.String("component", "client"), zap.String("agent_id", agentID)),
		ackCh:     make(chan *wire.RegisterAckPayload, 1),
		stateCh:   make(chan json.RawMessage, 1),
		heartbeat: heartbeatInterval,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AgentID returns the id this client registered as.
func (c *Client) AgentID() string {
	return c.agentID
}

// OnStop sets the callback invoked when the router sends a stop frame. Set
// before Connect.
func (c *Client) OnStop(fn func()) {
	c.onStop = fn
}

// SetStateProvider sets the callback used to answer dump_state requests. Set
// before Connect.
func (c *Client) SetStateProvider(fn StateProvider) {
	c.stateProvider = fn
}

// Connect dials the router and registers the agent id. It retries the dial
// with backoff until the context is cancelled; registration rejection is
// returned as an error.
func (c *Client) Connect(ctx context.Context) error {
	backoff := reconnectBackoff
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.connMu.Lock()
			c.conn = conn
			c.connMu.Unlock()
			break
		}

		c.logger.Warn("Router dial failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	go c.readLoop()
	return c.register(ctx)
}

func (c *Client) register(ctx context.Context) error {
	frame, err := wire.NewFrame(wire.MsgTypeRegister, c.agentID, nil)
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		return err
	}

	select {
	case ack := <-c.ackCh:
		if !ack.OK {
			return fmt.Errorf("registration rejected: %s", ack.Error)
		}
		c.logger.Info("Registered with router")
		c.startHeartbeat()
		return nil
	case <-time.After(registerWait):
		return fmt.Errorf("timed out waiting for register_ack")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetHeartbeatInterval overrides how often the client reports liveness to the
// router. Zero or negative disables heartbeats. Set before Connect.
func (c *Client) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	c.heartbeat = d
	c.mu.Unlock()
}

// startHeartbeat launches the liveness reporter once. Re-registration after a
// reconnect reuses the running loop.
func (c *Client) startHeartbeat() {
	c.mu.Lock()
	start := !c.beating && c.heartbeat > 0
	if start {
		c.beating = true
	}
	interval := c.heartbeat
	c.mu.Unlock()
	if start {
		go c.heartbeatLoop(interval)
	}
}

// heartbeatLoop keeps the router's liveness window open for agents that stay
// idle between messages.
func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		done := c.closed || c.stopped
		c.mu.Unlock()
		if done {
			return
		}

		frame, err := wire.NewFrame(wire.MsgTypeHeartbeat, c.agentID, nil)
		if err != nil {
			return
		}
		if err := c.writeFrame(frame); err != nil {
			c.logger.Debug("Heartbeat send failed", zap.Error(err))
		}
	}
}

// Close tears down the connection. Blocked waiters are released.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

func (c *Client) writeFrame(f *wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed || c.stopped
			c.cond.Broadcast()
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("Router connection lost", zap.Error(err))
				c.reconnect()
			}
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Error("Failed to parse frame", zap.Error(err))
			continue
		}
		c.handleFrame(&frame)
	}
}

// reconnect re-dials and re-registers after a dropped connection. Messages
// queued by the router while we were away arrive as a backlog right after
// registration.
func (c *Client) reconnect() {
	backoff := reconnectBackoff
	for {
		c.mu.Lock()
		done := c.closed || c.stopped
		c.mu.Unlock()
		if done {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.connMu.Lock()
			c.conn = conn
			c.connMu.Unlock()
			go c.readLoop()
			if err := c.register(context.Background()); err != nil {
				c.logger.Error("Re-registration failed", zap.Error(err))
			} else {
				c.logger.Info("Reconnected to router")
			}
			return
		}

		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) handleFrame(frame *wire.Frame) {
	switch frame.MsgType {
	case wire.MsgTypeRegisterAck:
		var payload wire.RegisterAckPayload
		if err := frame.ParsePayload(&payload); err != nil {
			return
		}
		select {
		case c.ackCh <- &payload:
		default:
		}

	case wire.MsgTypeRouterMessage:
		var payload wire.MessagePayload
		if err := frame.ParsePayload(&payload); err != nil || payload.Message == nil {
			c.logger.Error("Malformed router_message frame", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.view = append(c.view, payload.Message)
		c.cond.Broadcast()
		c.mu.Unlock()

	case wire.MsgTypeTeamInfo:
		var payload wire.TeamInfoPayload
		if err := frame.ParsePayload(&payload); err != nil || payload.TeamInfo == nil {
			return
		}
		c.mu.Lock()
		c.teamInfo = payload.TeamInfo
		c.cond.Broadcast()
		c.mu.Unlock()
		c.logger.Debug("Team info received", zap.String("team", payload.TeamInfo.Name))

	case wire.MsgTypeStateUpdate:
		var payload wire.StatePayload
		if err := frame.ParsePayload(&payload); err != nil {
			return
		}
		select {
		case c.stateCh <- payload.State:
		default:
		}

	case wire.MsgTypeDumpState:
		if c.stateProvider == nil {
			return
		}
		if err := c.PushState(c.stateProvider()); err != nil {
			c.logger.Error("Failed to push state dump", zap.Error(err))
		}

	case wire.MsgTypeStop:
		c.mu.Lock()
		c.stopped = true
		c.cond.Broadcast()
		c.mu.Unlock()
		c.logger.Info("Stop received from router")
		if c.onStop != nil {
			c.onStop()
		}

	case wire.MsgTypeHeartbeatAck:
		// the router refreshed our liveness window, nothing to do

	default:
		c.logger.Debug("Unhandled frame type", zap.String("msg_type", string(frame.MsgType)))
	}
}

// Stopped reports whether the router asked this agent to stop.
func (c *Client) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// SendMessage sends an envelope to the router. The source is filled in from
// the client's agent id when unset; the id is assigned before send so the
// caller can correlate responses.
func (c *Client) SendMessage(env *envelope.Envelope) error {
	if env.Source == "" {
		env.Source = c.agentID
	}
	env.EnsureID()

	frame, err := wire.NewFrame(wire.MsgTypeAgentMessage, c.agentID, &wire.MessagePayload{Message: env})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// AllMessages returns a copy of the local view in delivery order.
func (c *Client) AllMessages() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*envelope.Envelope, len(c.view))
	copy(out, c.view)
	return out
}

// FilterMessages returns messages from the local view matching the given
// fields. Empty fields match anything.
func (c *Client) FilterMessages(source, destination, channel string) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*envelope.Envelope
	for _, env := range c.view {
		if env.Matches(source, destination, channel) {
			out = append(out, env)
		}
	}
	return out
}

// WaitForResponse blocks until a message matching the filter arrives that was
// not already in the view when the call was made, and returns it. Returns nil
// when the timeout elapses, the client is stopped, or the context is
// cancelled.
func (c *Client) WaitForResponse(ctx context.Context, source, destination, channel string, timeout time.Duration) *envelope.Envelope {
	baseline := c.baselineFor(source, destination, channel)
	return c.waitSince(ctx, baseline, source, destination, channel, timeout)
}

// baselineFor snapshots the ids of matching messages already in the view.
// Everything already seen is not a response.
func (c *Client) baselineFor(source, destination, channel string) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	baseline := make(map[string]bool)
	for _, env := range c.view {
		if env.Matches(source, destination, channel) {
			baseline[env.MessageID] = true
		}
	}
	return baseline
}

func (c *Client) waitSince(ctx context.Context, baseline map[string]bool, source, destination, channel string, timeout time.Duration) *envelope.Envelope {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Wake the cond wait when the deadline or the context expires.
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	stopWatch := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stopWatch()

	for {
		for _, env := range c.view {
			if env.Matches(source, destination, channel) && !baseline[env.MessageID] {
				return env
			}
		}
		if c.closed || c.stopped || ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil
		}
		c.cond.Wait()
	}
}

// SendAndWait sends an envelope and waits for a reply from its destination.
// The reply is matched on source only, so any message from the destination
// after the send qualifies.
func (c *Client) SendAndWait(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	// Snapshot the baseline before sending to avoid racing the reply.
	baseline := c.baselineFor(env.Destination, "", "")

	if err := c.SendMessage(env); err != nil {
		return nil, err
	}

	reply := c.waitSince(ctx, baseline, env.Destination, "", "", timeout)
	if reply == nil {
		return nil, fmt.Errorf("no response from %s within %v", env.Destination, timeout)
	}
	return reply, nil
}

// PushState uploads a state snapshot to the router.
func (c *Client) PushState(state json.RawMessage) error {
	frame, err := wire.NewFrame(wire.MsgTypeStateUpdate, c.agentID, &wire.StatePayload{State: state})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// FetchState retrieves the state snapshot the router holds for this agent.
// Returns nil when the router has none.
func (c *Client) FetchState(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	frame, err := wire.NewFrame(wire.MsgTypeGetState, c.agentID, nil)
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case state := <-c.stateCh:
		return state, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for state")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushStatus reports a status transition to the router.
func (c *Client) PushStatus(status string) error {
	frame, err := wire.NewFrame(wire.MsgTypeStatusUpdate, c.agentID, &wire.StatusPayload{
		Status:    status,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// AcknowledgeStop confirms a stop request back to the router.
func (c *Client) AcknowledgeStop() error {
	frame, err := wire.NewFrame(wire.MsgTypeStopAck, c.agentID, nil)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// TeamInfo returns the team description, if one was delivered.
func (c *Client) TeamInfo() (*envelope.TeamInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teamInfo, c.teamInfo != nil
}

// WaitForTeamInfo blocks until the team description arrives or the timeout
// elapses. Agents that are not in a team never receive one.
func (c *Client) WaitForTeamInfo(timeout time.Duration) (*envelope.TeamInfo, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.teamInfo == nil {
		if c.closed || c.stopped || !time.Now().Before(deadline) {
			return nil, false
		}
		c.cond.Wait()
	}
	return c.teamInfo, true
}
