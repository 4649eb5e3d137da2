package router

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/troupelabs/troupe/internal/common/errors"
	"github.com/troupelabs/troupe/pkg/envelope"
	"github.com/troupelabs/troupe/pkg/wire"
)

// Agent status values tracked by the registry.
const (
	StatusIdle         = "idle"
	StatusBusy         = "busy"
	StatusDisconnected = "disconnected"
	StatusStopped      = "stopped"
)

// AgentRecord is the externally visible view of a registered agent.
type AgentRecord struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	Queued   int       `json:"queued"`
}

// agentEntry is the registry's internal record. The backlog holds frames
// queued while the agent is disconnected; it is drained in FIFO order on
// (re)registration.
type agentEntry struct {
	id       string
	status   string
	lastSeen time.Time
	conn     *remote
	backlog  []*wire.Frame
	state    json.RawMessage
	stopAck  bool
}

// registry tracks every agent id the router has ever seen, plus channels and
// teams. An agent entry is never removed; disconnection only changes status.
type registry struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry
	channels map[string]*envelope.Channel
	teams    map[string]*envelope.TeamInfo
}

func newRegistry() *registry {
	return &registry{
		agents:   make(map[string]*agentEntry),
		channels: make(map[string]*envelope.Channel),
		teams:    make(map[string]*envelope.TeamInfo),
	}
}

// register binds a connection to an agent id. Registration fails while a
// previous connection for the same id is still live; a re-registration after
// a disconnect succeeds and returns the queued backlog for draining.
func (r *registry) register(agentID string, conn *remote, liveWindow time.Duration) ([]*wire.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if ok && entry.conn != nil && entry.status != StatusDisconnected && time.Since(entry.lastSeen) < liveWindow {
		return nil, errors.AlreadyRegistered(agentID)
	}

	if !ok {
		entry = &agentEntry{id: agentID}
		r.agents[agentID] = entry
	}

	entry.conn = conn
	entry.status = StatusIdle
	entry.lastSeen = time.Now()
	entry.stopAck = false

	backlog := entry.backlog
	entry.backlog = nil
	return backlog, nil
}

// disconnect marks the agent behind the connection as disconnected. Queued
// frames are preserved for the next registration.
func (r *registry) disconnect(conn *remote) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID := conn.AgentID()
	if agentID == "" {
		return ""
	}
	entry, ok := r.agents[agentID]
	if !ok || entry.conn != conn {
		return ""
	}
	entry.conn = nil
	if entry.status != StatusStopped {
		entry.status = StatusDisconnected
	}
	return agentID
}

// touch refreshes the liveness timestamp for an agent.
func (r *registry) touch(agentID string) {
	if agentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		entry.lastSeen = time.Now()
	}
}

// setStatus records a status transition. Unknown agents are ignored.
func (r *registry) setStatus(agentID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return false
	}
	entry.status = status
	entry.lastSeen = time.Now()
	return true
}

func (r *registry) status(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	return entry.status, true
}

// markStale transitions agents whose liveness timestamp is older than the
// window to disconnected. Returns the ids that changed.
func (r *registry) markStale(window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	cutoff := time.Now().Add(-window)
	for id, entry := range r.agents {
		if entry.status == StatusDisconnected || entry.status == StatusStopped {
			continue
		}
		if entry.lastSeen.Before(cutoff) {
			entry.status = StatusDisconnected
			if entry.conn != nil {
				entry.conn.conn.Close()
				entry.conn = nil
			}
			stale = append(stale, id)
		}
	}
	return stale
}

// deliver queues a frame for an agent: sent immediately when connected,
// otherwise held in the backlog until the agent (re)registers.
func (r *registry) deliver(agentID string, frame *wire.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		// Destination has not registered yet; hold the frame for it.
		entry = &agentEntry{id: agentID, status: StatusDisconnected}
		r.agents[agentID] = entry
	}

	if entry.conn != nil && entry.status != StatusDisconnected {
		if entry.conn.sendFrame(frame) {
			return true
		}
	}
	entry.backlog = append(entry.backlog, frame)
	return false
}

func (r *registry) setState(agentID string, state json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		entry = &agentEntry{id: agentID, status: StatusDisconnected}
		r.agents[agentID] = entry
	}
	entry.state = state
}

func (r *registry) getState(agentID string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok || entry.state == nil {
		return nil, false
	}
	return entry.state, true
}

func (r *registry) setStopAck(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		entry.stopAck = true
		entry.status = StatusStopped
	}
}

func (r *registry) connFor(agentID string) *remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	return entry.conn
}

// snapshot returns the registry contents sorted by agent id.
func (r *registry) snapshot() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentRecord, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, AgentRecord{
			ID:       entry.id,
			Status:   entry.status,
			LastSeen: entry.lastSeen,
			Queued:   len(entry.backlog),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) connectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, entry := range r.agents {
		if entry.conn != nil && entry.status != StatusDisconnected && entry.status != StatusStopped {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// registerChannel adds or replaces a channel definition.
func (r *registry) registerChannel(ch *envelope.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name] = ch
}

func (r *registry) channel(name string) (*envelope.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

func (r *registry) channelList() []*envelope.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*envelope.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// registerTeam stores a team description, keyed by the team's agent id.
func (r *registry) registerTeam(info *envelope.TeamInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[info.Identifier()] = info
}

// teamFor returns the team a member belongs to, if any.
func (r *registry) teamFor(agentID string) (*envelope.TeamInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.teams {
		if info.HasAgent(agentID) || info.Identifier() == agentID {
			return info, true
		}
	}
	return nil, false
}
