package runner

import (
	"strings"
	"time"

	"github.com/troupelabs/troupe/internal/router"
)

// StopCondition decides when a run is finished. Conditions are polled by the
// runner; the first one met stops the run.
type StopCondition interface {
	Name() string
	Met(agents []router.AgentRecord, log *router.MessageLog) bool
}

// NoActivityCondition stops the run once every agent is idle and the message
// log has not grown for the configured window.
type NoActivityCondition struct {
	Window time.Duration

	lastLen    int
	lastChange time.Time
}

// NewNoActivityCondition creates the condition with the given quiet window.
func NewNoActivityCondition(window time.Duration) *NoActivityCondition {
	return &NoActivityCondition{Window: window}
}

// Name identifies the condition in logs.
func (c *NoActivityCondition) Name() string {
	return "no_activity"
}

// Met reports whether the run has been quiet long enough.
func (c *NoActivityCondition) Met(agents []router.AgentRecord, log *router.MessageLog) bool {
	now := time.Now()
	if n := log.Len(); n != c.lastLen || c.lastChange.IsZero() {
		c.lastLen = n
		c.lastChange = now
		return false
	}

	for _, a := range agents {
		if a.Status == router.StatusBusy {
			c.lastChange = now
			return false
		}
	}

	return now.Sub(c.lastChange) >= c.Window
}

// MessageMatchCondition stops the run when a message matching the filter,
// and optionally containing a substring, appears in the log.
type MessageMatchCondition struct {
	Source      string
	Destination string
	Channel     string
	Contains    string
}

// Name identifies the condition in logs.
func (c *MessageMatchCondition) Name() string {
	return "message_match"
}

// Met reports whether a matching message has been logged.
func (c *MessageMatchCondition) Met(agents []router.AgentRecord, log *router.MessageLog) bool {
	for _, env := range log.Filter(c.Source, c.Destination, c.Channel) {
		if c.Contains == "" || strings.Contains(env.Content, c.Contains) {
			return true
		}
	}
	return false
}
