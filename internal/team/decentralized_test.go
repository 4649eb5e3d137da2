package team

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/pkg/envelope"
)

func newDecentralizedFixture(t *testing.T, timeLimit time.Duration) (*DecentralizedCollaboration, *VotingService) {
	t.Helper()
	log := testLogger(t)
	voting, err := NewVotingService("team:crew", []string{"alice", "bob"}, MajorityVote, 0, log)
	require.NoError(t, err)
	d := NewDecentralized("team:crew", []string{"alice", "bob"}, voting, time.Millisecond, timeLimit, log)
	return d, voting
}

func TestDecentralizedFansOutToMembers(t *testing.T) {
	d, _ := newDecentralizedFixture(t, time.Minute)

	out, err := d.ProcessMessage(context.Background(), &envelope.Envelope{
		Source:  "user",
		Content: "pick a venue",
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	dests := []string{out[0].Destination, out[1].Destination}
	assert.ElementsMatch(t, []string{"alice", "bob"}, dests)
	for _, env := range out {
		assert.Equal(t, "team:crew", env.Source)
		assert.Equal(t, "pick a venue", env.Content)
	}
}

func TestDecentralizedResolvesOnDecision(t *testing.T) {
	d, voting := newDecentralizedFixture(t, time.Minute)
	ctx := context.Background()

	_, err := d.ProcessMessage(ctx, &envelope.Envelope{Source: "user", Content: "pick a venue"})
	require.NoError(t, err)

	p, err := voting.Propose("alice", "park", "best weather")
	require.NoError(t, err)
	_, err = voting.CastVote("bob", p.ID)
	require.NoError(t, err)

	out := d.Tick(ctx, time.Now().Add(10*time.Millisecond))
	require.Len(t, out, 3)

	answer := out[0]
	assert.Equal(t, "user", answer.Destination)
	assert.Equal(t, "park", answer.Content)
	assert.Equal(t, p.ID, answer.StructuredContent["proposal_id"])

	// Every member hears how the session ended.
	dests := []string{out[1].Destination, out[2].Destination}
	assert.ElementsMatch(t, []string{"alice", "bob"}, dests)
	for _, env := range out[1:] {
		assert.Equal(t, envelope.EventTypeNotification, env.Type())
		assert.Equal(t, "Decision reached: park", env.Content)
	}

	// Session is over; further ticks are quiet.
	assert.Empty(t, d.Tick(ctx, time.Now().Add(time.Second)))
}

func TestDecentralizedIgnoresPreexistingProposals(t *testing.T) {
	d, voting := newDecentralizedFixture(t, time.Minute)
	ctx := context.Background()

	// Decided before the session starts: not this session's decision.
	p, err := voting.Propose("alice", "old business", "")
	require.NoError(t, err)
	_, err = voting.CastVote("bob", p.ID)
	require.NoError(t, err)

	_, err = d.ProcessMessage(ctx, &envelope.Envelope{Source: "user", Content: "new question"})
	require.NoError(t, err)

	assert.Empty(t, d.Tick(ctx, time.Now().Add(10*time.Millisecond)))
}

func TestDecentralizedTimesOut(t *testing.T) {
	d, _ := newDecentralizedFixture(t, time.Millisecond)
	ctx := context.Background()

	_, err := d.ProcessMessage(ctx, &envelope.Envelope{Source: "user", Content: "pick a venue"})
	require.NoError(t, err)

	out := d.Tick(ctx, time.Now().Add(time.Second))
	require.Len(t, out, 3)

	notice := out[0]
	assert.Equal(t, envelope.EventTypeNotification, notice.Type())
	assert.Equal(t, "user", notice.Destination)
	assert.Equal(t, true, notice.StructuredContent["timeout"])

	for _, env := range out[1:] {
		assert.Equal(t, "Collaboration ended", env.Content)
	}
}

func TestDecentralizedQueuesAndRenumbersRequests(t *testing.T) {
	d, _ := newDecentralizedFixture(t, time.Millisecond)
	ctx := context.Background()

	_, err := d.ProcessMessage(ctx, &envelope.Envelope{Source: "user", Content: "first"})
	require.NoError(t, err)

	out, err := d.ProcessMessage(ctx, &envelope.Envelope{Source: "other", Content: "second"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].StructuredContent["position"])

	out, err = d.ProcessMessage(ctx, &envelope.Envelope{Source: "third", Content: "third"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].StructuredContent["position"])

	// Timing out the first session promotes the next request: the timeout
	// notice, the member broadcasts, the renumbered queue, and the fan-out.
	out = d.Tick(ctx, time.Now().Add(time.Second))
	require.Len(t, out, 6)
	assert.Equal(t, "user", out[0].Destination)
	assert.Equal(t, "Collaboration ended", out[1].Content)
	assert.Equal(t, "Collaboration ended", out[2].Content)

	moved := out[3]
	assert.Equal(t, "third", moved.Destination)
	assert.Equal(t, 1, moved.StructuredContent["position"])

	assert.Equal(t, "second", out[4].Content)
	assert.Equal(t, "second", out[5].Content)
}
