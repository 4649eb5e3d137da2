package agent

import (
	"sort"

	"github.com/troupelabs/troupe/pkg/envelope"
)

// ViewKind selects which slice of the conversation an agent perceives.
type ViewKind string

const (
	// ViewDirect shows only the one-to-one exchange the incoming message
	// belongs to.
	ViewDirect ViewKind = "direct"
	// ViewChannel shows the incoming message's channel; direct incoming
	// messages fall back to the direct view.
	ViewChannel ViewKind = "channel"
	// ViewGlobal shows everything.
	ViewGlobal ViewKind = "global"
)

// ViewSelector builds the conversation history an agent reasons over when it
// answers one message. The view is scoped relative to that message and never
// extends past it: later traffic stays invisible. Internal events are the
// agent's own memory; they are merged in only when IncludeInternalEvents is
// set.
type ViewSelector struct {
	Kind                  ViewKind `json:"kind"`
	IncludeInternalEvents bool     `json:"include_internal_events,omitempty"`
}

// Select applies the selector over the delivered messages and internal
// events, relative to the incoming message. The result is timestamp ordered
// and truncated at the incoming message inclusive.
func (v ViewSelector) Select(delivered, internal []*envelope.Envelope, incoming *envelope.Envelope) []*envelope.Envelope {
	merged := make([]*envelope.Envelope, 0, len(delivered)+len(internal))
	merged = append(merged, delivered...)
	if v.IncludeInternalEvents {
		merged = append(merged, internal...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	var out []*envelope.Envelope
	for _, env := range merged {
		if v.matches(env, incoming) {
			out = append(out, env)
		}
		if incoming != nil && env.MessageID == incoming.MessageID {
			break
		}
	}
	return out
}

func (v ViewSelector) matches(env, incoming *envelope.Envelope) bool {
	if env.Type() == envelope.EventTypeInternal && !v.IncludeInternalEvents {
		return false
	}
	if incoming == nil {
		return v.Kind == ViewGlobal
	}

	kind := v.Kind
	// A direct message arriving on a channel view scopes down to the dyad.
	if kind == ViewChannel && incoming.IsDirect() {
		kind = ViewDirect
	}

	switch kind {
	case ViewDirect:
		if env.Channel != incoming.Channel {
			return false
		}
		return (env.Source == incoming.Source && env.Destination == incoming.Destination) ||
			(env.Source == incoming.Destination && env.Destination == incoming.Source)

	case ViewChannel:
		return env.Channel == incoming.Channel

	default: // ViewGlobal
		return true
	}
}
