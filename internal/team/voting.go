package team

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// VotingStrategy selects how the service picks among competing proposals.
type VotingStrategy string

const (
	// FirstComeFirstServe takes the earliest active proposal; members do not
	// vote at all under this strategy.
	FirstComeFirstServe VotingStrategy = "FIRST_COME_FIRST_SERVE"
	// MajorityVote picks the first proposal with more than half the team in
	// favor.
	MajorityVote VotingStrategy = "MAJORITY_VOTE"
	// PluralityVote picks the leading proposal once the members who have not
	// voted yet cannot change the outcome.
	PluralityVote VotingStrategy = "PLURALITY_VOTE"
)

// Proposal status values.
const (
	ProposalActive  = "active"
	ProposalExpired = "expired"
)

// DefaultProposalTTL bounds how long a proposal accepts votes.
const DefaultProposalTTL = 5 * time.Minute

// Proposal is one candidate answer put forward by a member. Proposals
// compete: a vote is always a vote in favor of exactly one of them.
type Proposal struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	Proposer  string    `json:"proposer"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// VoteResult reports the standing of a proposal after a vote.
type VoteResult struct {
	ProposalID   string `json:"proposal_id"`
	VotesInFavor int    `json:"votes_in_favor"`
	TeamSize     int    `json:"team_size"`
}

// VotingService runs competing proposals and in-favor votes for a team. The
// strategy is fixed for the service, not per proposal. A member holds at most
// one vote at a time: voting for a proposal withdraws their vote from every
// other one, and proposing moves their vote to the new proposal.
type VotingService struct {
	teamID    string
	memberIDs []string
	strategy  VotingStrategy
	ttl       time.Duration
	logger    *logger.Logger

	mu        sync.Mutex
	order     []string // proposal ids in creation order
	proposals map[string]*Proposal
	votes     map[string]map[string]bool // proposal id -> voter -> in favor
	pending   []*envelope.Envelope       // member announcements, drained by Tick
}

// NewVotingService creates the service for a team. An empty strategy selects
// majority vote; a non-positive ttl selects the default.
func NewVotingService(teamID string, memberIDs []string, strategy VotingStrategy, ttl time.Duration, log *logger.Logger) (*VotingService, error) {
	if strategy == "" {
		strategy = MajorityVote
	}
	switch strategy {
	case FirstComeFirstServe, MajorityVote, PluralityVote:
	default:
		return nil, fmt.Errorf("unknown voting strategy %q", strategy)
	}
	if ttl <= 0 {
		ttl = DefaultProposalTTL
	}
	return &VotingService{
		teamID:    teamID,
		memberIDs: memberIDs,
		strategy:  strategy,
		ttl:       ttl,
		logger:    log.WithFields(zap.String("component", "team_voting")),
		proposals: make(map[string]*Proposal),
		votes:     make(map[string]map[string]bool),
	}, nil
}

// Strategy returns the service's decision strategy.
func (v *VotingService) Strategy() VotingStrategy {
	return v.strategy
}

// Name returns the tool name members address.
func (v *VotingService) Name() string {
	return "voting"
}

// Handle dispatches a voting action from a team_service envelope.
func (v *VotingService) Handle(ctx context.Context, action envelope.Action, msg *envelope.Envelope) (any, error) {
	switch action.ActionName {
	case "propose":
		content := stringParam(action.Parameters, "proposal_content")
		reasoning := stringParam(action.Parameters, "reasoning")
		p, err := v.Propose(msg.Source, content, reasoning)
		if err != nil {
			return nil, err
		}
		return map[string]any{"proposal_id": p.ID, "proposal": p}, nil

	case "vote":
		proposalID := stringParam(action.Parameters, "proposal_id")
		res, err := v.CastVote(msg.Source, proposalID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":        true,
			"proposal_id":    res.ProposalID,
			"votes_in_favor": res.VotesInFavor,
			"team_size":      res.TeamSize,
		}, nil

	case "get_proposal":
		proposalID := stringParam(action.Parameters, "proposal_id")
		p, voters, ok := v.GetProposal(proposalID)
		if !ok {
			return nil, fmt.Errorf("unknown proposal %q", proposalID)
		}
		return map[string]any{"proposal": p, "votes_in_favor": len(voters), "voters": voters}, nil

	case "list_active_proposals":
		return map[string]any{"active_proposals": v.ActiveProposals()}, nil

	default:
		return nil, fmt.Errorf("unknown voting action %q", action.ActionName)
	}
}

// Propose opens a new proposal. The proposer's vote moves to it, except under
// first-come-first-serve where only the opening proposal carries one. Every
// other member is told about the new proposal on the next tick.
func (v *VotingService) Propose(proposer, content, reasoning string) (*Proposal, error) {
	if content == "" {
		return nil, fmt.Errorf("proposal content is required")
	}

	v.mu.Lock()
	now := time.Now()
	v.expireStale(now)

	p := &Proposal{
		ID:        fmt.Sprintf("proposal_%d", len(v.order)),
		Content:   content,
		Reasoning: reasoning,
		Proposer:  proposer,
		CreatedAt: now,
		ExpiresAt: now.Add(v.ttl),
		Status:    ProposalActive,
	}
	v.order = append(v.order, p.ID)
	v.proposals[p.ID] = p
	v.votes[p.ID] = make(map[string]bool)

	if v.strategy != FirstComeFirstServe || v.activeCount() == 1 {
		v.moveVote(proposer, p.ID)
	}

	for _, member := range v.memberIDs {
		if member == proposer {
			continue
		}
		v.pending = append(v.pending, &envelope.Envelope{
			EventType:   envelope.EventTypeNotification,
			Source:      v.teamID,
			Destination: member,
			Content:     fmt.Sprintf("New proposal created by %s", proposer),
			StructuredContent: map[string]any{
				"proposal_id": p.ID,
				"proposal":    content,
			},
		})
	}
	dup := *p
	v.mu.Unlock()

	v.logger.Info("Proposal opened",
		zap.String("proposal_id", dup.ID),
		zap.String("proposer", proposer),
		zap.String("strategy", string(v.strategy)))
	return &dup, nil
}

// CastVote records a vote in favor of the proposal, withdrawing the voter's
// vote from every other one. First-come-first-serve rejects votes outright.
func (v *VotingService) CastVote(voter, proposalID string) (*VoteResult, error) {
	if v.strategy == FirstComeFirstServe {
		return nil, fmt.Errorf("voting is not allowed in first-come-first-serve mode")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.expireStale(time.Now())

	p, ok := v.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("unknown proposal %q", proposalID)
	}
	if p.Status != ProposalActive {
		return nil, fmt.Errorf("proposal %q is no longer active", proposalID)
	}

	v.moveVote(voter, proposalID)
	v.logger.Debug("Vote cast",
		zap.String("voter", voter),
		zap.String("proposal_id", proposalID))

	return &VoteResult{
		ProposalID:   proposalID,
		VotesInFavor: len(v.votes[proposalID]),
		TeamSize:     len(v.memberIDs),
	}, nil
}

// GetProposal returns a copy of the proposal and the members currently in
// favor of it.
func (v *VotingService) GetProposal(proposalID string) (*Proposal, []string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expireStale(time.Now())

	p, ok := v.proposals[proposalID]
	if !ok {
		return nil, nil, false
	}
	voters := make([]string, 0, len(v.votes[proposalID]))
	for voter := range v.votes[proposalID] {
		voters = append(voters, voter)
	}
	sort.Strings(voters)
	dup := *p
	return &dup, voters, true
}

// ActiveProposals returns the proposals still open, in creation order.
func (v *VotingService) ActiveProposals() []*Proposal {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expireStale(time.Now())

	var out []*Proposal
	for _, id := range v.order {
		if p := v.proposals[id]; p.Status == ProposalActive {
			dup := *p
			out = append(out, &dup)
		}
	}
	return out
}

// Proposals returns every proposal the service has seen, expired ones
// included, in creation order.
func (v *VotingService) Proposals() []*Proposal {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*Proposal, 0, len(v.order))
	for _, id := range v.order {
		dup := *v.proposals[id]
		out = append(out, &dup)
	}
	return out
}

// GetDecision evaluates the strategy over the active proposals, skipping any
// ids in exclude. Majority requires strictly more than half the team in
// favor; plurality decides once the members who have not voted cannot close
// the gap to the leader, with creation time breaking ties.
func (v *VotingService) GetDecision(exclude map[string]bool) (content, proposalID string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expireStale(time.Now())

	var active []*Proposal
	for _, id := range v.order {
		p := v.proposals[id]
		if p.Status != ProposalActive || exclude[id] {
			continue
		}
		active = append(active, p)
	}
	if len(active) == 0 {
		return "", "", false
	}

	switch v.strategy {
	case FirstComeFirstServe:
		return active[0].Content, active[0].ID, true

	case MajorityVote:
		for _, p := range active {
			if len(v.votes[p.ID]) > len(v.memberIDs)/2 {
				return p.Content, p.ID, true
			}
		}

	case PluralityVote:
		sorted := append([]*Proposal(nil), active...)
		sort.SliceStable(sorted, func(i, j int) bool {
			ci, cj := len(v.votes[sorted[i].ID]), len(v.votes[sorted[j].ID])
			if ci != cj {
				return ci > cj
			}
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		})
		cast := 0
		for _, p := range active {
			cast += len(v.votes[p.ID])
		}
		remaining := len(v.memberIDs) - cast
		if remaining < 0 {
			remaining = 0
		}
		lead := len(v.votes[sorted[0].ID])
		runnerUp := 0
		if len(sorted) > 1 {
			runnerUp = len(v.votes[sorted[1].ID])
		}
		if remaining == 0 || lead > runnerUp+remaining {
			return sorted[0].Content, sorted[0].ID, true
		}
	}
	return "", "", false
}

// Tick drains the queued new-proposal announcements.
func (v *VotingService) Tick(ctx context.Context, now time.Time) []*envelope.Envelope {
	v.mu.Lock()
	out := v.pending
	v.pending = nil
	v.mu.Unlock()
	return out
}

// moveVote puts the voter behind exactly one proposal. Caller holds the lock.
func (v *VotingService) moveVote(voter, proposalID string) {
	for id, voters := range v.votes {
		if id != proposalID {
			delete(voters, voter)
		}
	}
	v.votes[proposalID][voter] = true
}

// expireStale flips proposals past their deadline. Caller holds the lock.
func (v *VotingService) expireStale(now time.Time) {
	for _, p := range v.proposals {
		if p.Status == ProposalActive && now.After(p.ExpiresAt) {
			p.Status = ProposalExpired
			v.logger.Info("Proposal expired", zap.String("proposal_id", p.ID))
		}
	}
}

// activeCount counts open proposals. Caller holds the lock.
func (v *VotingService) activeCount() int {
	n := 0
	for _, p := range v.proposals {
		if p.Status == ProposalActive {
			n++
		}
	}
	return n
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
