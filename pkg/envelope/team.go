package envelope

// Channel is a named membership set used for multicast delivery. A message
// carrying a channel name is delivered to every current member except the
// sender. There is no per-channel history beyond the global log.
type Channel struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// HasMember reports whether the agent is a member of the channel.
func (c *Channel) HasMember(agentID string) bool {
	for _, m := range c.Members {
		if m == agentID {
			return true
		}
	}
	return false
}

// TeamInfo describes an agent team: its member ids, the collaboration
// strategy name, and the names of the services it runs. Delivered to each
// member once after registration.
type TeamInfo struct {
	Name              string   `json:"name"`
	AgentIDs          []string `json:"agent_ids,omitempty"`
	CollaborationName string   `json:"collaboration_name,omitempty"`
	ServiceNames      []string `json:"service_names,omitempty"`
}

// Identifier returns the team's agent id, "team:<name>". The team itself is
// an addressable agent.
func (t *TeamInfo) Identifier() string {
	return "team:" + t.Name
}

// HasAgent reports whether the agent id is a member of the team.
func (t *TeamInfo) HasAgent(agentID string) bool {
	for _, id := range t.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
