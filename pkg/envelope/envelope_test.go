package envelope

import (
	"testing"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	env := New("alice", "bob", "hi")
	if env.MessageID == "" {
		t.Fatal("expected a message id")
	}
	if env.Timestamp == 0 {
		t.Fatal("expected a timestamp")
	}
	if env.Type() != EventTypeMessage {
		t.Fatalf("expected message type, got %q", env.Type())
	}
}

func TestTypeDefaultsToMessage(t *testing.T) {
	env := &Envelope{Content: "bare"}
	if env.Type() != EventTypeMessage {
		t.Fatalf("empty event type should read as message, got %q", env.Type())
	}

	env.EventType = EventTypeInternal
	if env.Type() != EventTypeInternal {
		t.Fatalf("explicit type should be kept, got %q", env.Type())
	}
}

func TestEnsureIDIsStable(t *testing.T) {
	env := &Envelope{Content: "hi"}
	env.EnsureID()
	id, ts := env.MessageID, env.Timestamp
	if id == "" || ts == 0 {
		t.Fatal("EnsureID should assign id and timestamp")
	}

	env.EnsureID()
	if env.MessageID != id || env.Timestamp != ts {
		t.Fatal("EnsureID must not change an existing id or timestamp")
	}
}

func TestIsDirect(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"direct", Envelope{Destination: "bob"}, true},
		{"channel", Envelope{Channel: "general"}, false},
		{"channel with destination", Envelope{Destination: "bob", Channel: "general"}, false},
		{"neither", Envelope{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.env.IsDirect(); got != tc.want {
				t.Fatalf("IsDirect() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCloneResetsIdentity(t *testing.T) {
	env := New("alice", "bob", "hi")
	env.Actions = []Action{{ToolName: "voting"}}

	dup := env.Clone()
	if dup.MessageID != "" {
		t.Fatal("clone must drop the message id")
	}
	if dup.Content != env.Content || dup.Source != env.Source {
		t.Fatal("clone must keep the content fields")
	}

	dup.Actions[0].ToolName = "changed"
	if env.Actions[0].ToolName != "voting" {
		t.Fatal("clone must not share the actions slice")
	}
}

func TestMatches(t *testing.T) {
	env := &Envelope{Source: "alice", Destination: "bob", Channel: "general"}

	if !env.Matches("", "", "") {
		t.Fatal("empty filter matches anything")
	}
	if !env.Matches("alice", "bob", "general") {
		t.Fatal("exact filter should match")
	}
	if env.Matches("carol", "", "") {
		t.Fatal("wrong source must not match")
	}
	if env.Matches("", "alice", "") {
		t.Fatal("wrong destination must not match")
	}
}

func TestChannelAndTeamMembership(t *testing.T) {
	ch := &Channel{Name: "general", Members: []string{"alice", "bob"}}
	if !ch.HasMember("alice") || ch.HasMember("carol") {
		t.Fatal("channel membership is exact")
	}

	info := &TeamInfo{Name: "crew", AgentIDs: []string{"alice"}}
	if info.Identifier() != "team:crew" {
		t.Fatalf("unexpected identifier %q", info.Identifier())
	}
	if !info.HasAgent("alice") || info.HasAgent("bob") {
		t.Fatal("team membership is exact")
	}
}
