package router

import (
	"sync"

	"github.com/troupelabs/troupe/pkg/envelope"
)

// MessageLog is the authoritative append-only record of every envelope the
// router has accepted. Entries are immutable once appended; log order is the
// authoritative order of the run.
type MessageLog struct {
	mu      sync.RWMutex
	entries []*envelope.Envelope
}

// NewMessageLog creates an empty message log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append assigns the envelope an id and timestamp if it has none and appends
// it to the log. Returns the index of the new entry.
func (l *MessageLog) Append(env *envelope.Envelope) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	env.EnsureID()
	l.entries = append(l.entries, env)
	return len(l.entries) - 1
}

// Snapshot returns a copy of the log in append order.
func (l *MessageLog) Snapshot() []*envelope.Envelope {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*envelope.Envelope, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries appended at or after the given index.
func (l *MessageLog) Since(index int) []*envelope.Envelope {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	if index >= len(l.entries) {
		return nil
	}
	out := make([]*envelope.Envelope, len(l.entries)-index)
	copy(out, l.entries[index:])
	return out
}

// Filter returns entries matching the given fields, in log order. Empty
// fields match anything.
func (l *MessageLog) Filter(source, destination, channel string) []*envelope.Envelope {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*envelope.Envelope
	for _, env := range l.entries {
		if env.Matches(source, destination, channel) {
			out = append(out, env)
		}
	}
	return out
}

// Len returns the number of entries in the log.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
