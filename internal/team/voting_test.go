package team

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func action(tool, name string, params map[string]any) envelope.Action {
	return envelope.Action{ToolName: tool, ActionName: name, Parameters: params}
}

func envFrom(source string) *envelope.Envelope {
	return &envelope.Envelope{Source: source}
}

func newVoting(t *testing.T, strategy VotingStrategy, members ...string) *VotingService {
	t.Helper()
	v, err := NewVotingService("team:crew", members, strategy, 0, testLogger(t))
	require.NoError(t, err)
	return v
}

func TestVotingFirstComeFirstServe(t *testing.T) {
	v := newVoting(t, FirstComeFirstServe, "alice", "bob", "carol")

	p1, err := v.Propose("alice", "pizza", "closest option")
	require.NoError(t, err)
	_, err = v.Propose("bob", "salad", "")
	require.NoError(t, err)

	// The earliest active proposal wins outright.
	content, proposalID, ok := v.GetDecision(nil)
	require.True(t, ok)
	assert.Equal(t, "pizza", content)
	assert.Equal(t, p1.ID, proposalID)

	// Members do not vote under this strategy.
	_, err = v.CastVote("carol", p1.ID)
	assert.Error(t, err)
}

func TestVotingMajorityAcrossProposals(t *testing.T) {
	v := newVoting(t, MajorityVote, "agent1", "agent2", "agent3")

	p1, err := v.Propose("agent1", "option A", "")
	require.NoError(t, err)

	// The proposer's own vote is one of three: no majority yet.
	_, _, ok := v.GetDecision(nil)
	assert.False(t, ok)

	_, err = v.Propose("agent2", "option B", "")
	require.NoError(t, err)

	res, err := v.CastVote("agent3", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.VotesInFavor)
	assert.Equal(t, 3, res.TeamSize)

	content, proposalID, ok := v.GetDecision(nil)
	require.True(t, ok, "two of three in favor is a majority")
	assert.Equal(t, "option A", content)
	assert.Equal(t, p1.ID, proposalID)
}

func TestVotingProposerVoteMovesToNewProposal(t *testing.T) {
	v := newVoting(t, MajorityVote, "alice", "bob", "carol")

	p1, err := v.Propose("alice", "first idea", "")
	require.NoError(t, err)
	p2, err := v.Propose("alice", "better idea", "")
	require.NoError(t, err)

	_, voters, ok := v.GetProposal(p1.ID)
	require.True(t, ok)
	assert.Empty(t, voters, "proposing again withdraws the old vote")

	_, voters, ok = v.GetProposal(p2.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, voters)
}

func TestVotingOneVotePerMember(t *testing.T) {
	v := newVoting(t, MajorityVote, "alice", "bob", "carol")

	p1, err := v.Propose("alice", "park", "")
	require.NoError(t, err)
	p2, err := v.Propose("bob", "office", "")
	require.NoError(t, err)

	// alice switches sides: her vote leaves p1 entirely.
	_, err = v.CastVote("alice", p2.ID)
	require.NoError(t, err)

	_, voters, ok := v.GetProposal(p1.ID)
	require.True(t, ok)
	assert.Empty(t, voters)

	content, proposalID, ok := v.GetDecision(nil)
	require.True(t, ok)
	assert.Equal(t, "office", content)
	assert.Equal(t, p2.ID, proposalID)
}

func TestVotingPluralityDecidesWhenLeadUncatchable(t *testing.T) {
	v := newVoting(t, PluralityVote, "a1", "a2", "a3", "a4", "a5")

	p1, err := v.Propose("a1", "plan A", "")
	require.NoError(t, err)
	_, err = v.Propose("a2", "plan B", "")
	require.NoError(t, err)

	_, err = v.CastVote("a3", p1.ID)
	require.NoError(t, err)

	// 2-1 with two voters outstanding: the runner-up can still tie.
	_, _, ok := v.GetDecision(nil)
	assert.False(t, ok)

	_, err = v.CastVote("a4", p1.ID)
	require.NoError(t, err)

	// 3-1 with one voter outstanding: the lead cannot be closed.
	content, proposalID, ok := v.GetDecision(nil)
	require.True(t, ok)
	assert.Equal(t, "plan A", content)
	assert.Equal(t, p1.ID, proposalID)
}

func TestVotingPluralityTieBreaksByCreation(t *testing.T) {
	v := newVoting(t, PluralityVote, "a1", "a2", "a3", "a4")

	p1, err := v.Propose("a1", "plan A", "")
	require.NoError(t, err)
	p2, err := v.Propose("a2", "plan B", "")
	require.NoError(t, err)

	_, err = v.CastVote("a3", p2.ID)
	require.NoError(t, err)
	_, err = v.CastVote("a4", p1.ID)
	require.NoError(t, err)

	// Everyone has voted and it is 2-2: the older proposal wins.
	content, proposalID, ok := v.GetDecision(nil)
	require.True(t, ok)
	assert.Equal(t, "plan A", content)
	assert.Equal(t, p1.ID, proposalID)
}

func TestVotingExcludesPreexistingProposals(t *testing.T) {
	v := newVoting(t, MajorityVote, "alice", "bob")

	p, err := v.Propose("alice", "old business", "")
	require.NoError(t, err)
	_, err = v.CastVote("bob", p.ID)
	require.NoError(t, err)

	_, _, ok := v.GetDecision(nil)
	require.True(t, ok)

	_, _, ok = v.GetDecision(map[string]bool{p.ID: true})
	assert.False(t, ok, "excluded proposals cannot decide")
}

func TestVotingExpiry(t *testing.T) {
	v, err := NewVotingService("team:crew", []string{"alice", "bob", "carol"}, MajorityVote, time.Millisecond, testLogger(t))
	require.NoError(t, err)

	p, err := v.Propose("alice", "pizza", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = v.CastVote("bob", p.ID)
	assert.Error(t, err)

	assert.Empty(t, v.ActiveProposals())
	_, _, ok := v.GetDecision(nil)
	assert.False(t, ok, "expired proposals cannot decide")

	all := v.Proposals()
	require.Len(t, all, 1)
	assert.Equal(t, ProposalExpired, all[0].Status)
}

func TestVotingValidation(t *testing.T) {
	_, err := NewVotingService("team:crew", []string{"a"}, VotingStrategy("COIN_FLIP"), 0, testLogger(t))
	assert.Error(t, err, "strategy must be known")

	v := newVoting(t, MajorityVote, "alice", "bob")
	_, err = v.Propose("alice", "", "no content")
	assert.Error(t, err)

	_, err = v.CastVote("bob", "nope")
	assert.Error(t, err)
}

func TestVotingAnnouncesNewProposals(t *testing.T) {
	v := newVoting(t, MajorityVote, "alice", "bob", "carol")

	_, err := v.Propose("alice", "pizza", "")
	require.NoError(t, err)

	out := v.Tick(context.Background(), time.Now())
	require.Len(t, out, 2)
	dests := []string{out[0].Destination, out[1].Destination}
	assert.ElementsMatch(t, []string{"bob", "carol"}, dests)
	for _, env := range out {
		assert.Equal(t, envelope.EventTypeNotification, env.Type())
		assert.Equal(t, "New proposal created by alice", env.Content)
	}

	// Announcements drain once.
	assert.Empty(t, v.Tick(context.Background(), time.Now()))
}

func TestVotingHandleActions(t *testing.T) {
	v := newVoting(t, MajorityVote, "alice", "bob")
	ctx := context.Background()

	result, err := v.Handle(ctx, action("voting", "propose", map[string]any{
		"proposal_content": "ship it",
		"reasoning":        "tests are green",
	}), envFrom("alice"))
	require.NoError(t, err)
	proposalID := result.(map[string]any)["proposal_id"].(string)
	require.NotEmpty(t, proposalID)

	result, err = v.Handle(ctx, action("voting", "vote", map[string]any{
		"proposal_id": proposalID,
	}), envFrom("bob"))
	require.NoError(t, err)
	assert.Equal(t, true, result.(map[string]any)["success"])
	assert.Equal(t, 2, result.(map[string]any)["votes_in_favor"])

	result, err = v.Handle(ctx, action("voting", "get_proposal", map[string]any{
		"proposal_id": proposalID,
	}), envFrom("alice"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.(map[string]any)["votes_in_favor"])

	result, err = v.Handle(ctx, action("voting", "list_active_proposals", nil), envFrom("alice"))
	require.NoError(t, err)
	assert.Len(t, result.(map[string]any)["active_proposals"], 1)

	_, err = v.Handle(ctx, action("voting", "get_proposal", map[string]any{"proposal_id": "nope"}), envFrom("alice"))
	assert.Error(t, err)

	_, err = v.Handle(ctx, action("voting", "unknown", nil), envFrom("alice"))
	assert.Error(t, err)
}
