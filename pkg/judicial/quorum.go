package judicial

import (
	"github.com/efm-runtime/efm/pkg/errkind"
)

// Ballot is one participant's vote.
type Ballot struct {
	CapsuleID string
	Approve   bool
}

const (
	minParticipants = 5
	quorumFraction  = 2.0 / 3.0
)

// QuorumResult is the outcome of a Quorum vote.
type QuorumResult struct {
	Approved     bool
	Participants int
	ApproveCount int
	Reason       string
}

// Quorum decides a proposal by simple supermajority among a minimum
// number of participants. A vote taken after its deadline expired, or
// with too few participants, is a rejection — quorum failure never
// defaults to approval.
type Quorum struct{}

// NewQuorum constructs a Quorum evaluator.
func NewQuorum() *Quorum { return &Quorum{} }

// Evaluate tallies ballots. timedOut, when true, forces rejection
// regardless of the tally collected so far — a quorum vote which misses
// its deadline counts as a rejection.
func (q *Quorum) Evaluate(ballots []Ballot, timedOut bool) (QuorumResult, error) {
	if timedOut {
		return QuorumResult{Participants: len(ballots), Reason: "timeout"}, nil
	}
	if len(ballots) < minParticipants {
		return QuorumResult{}, errkind.New("judicial.Quorum.Evaluate", errkind.Rejected, "fewer than minimum participants")
	}

	seen := make(map[string]bool, len(ballots))
	approve := 0
	for _, b := range ballots {
		if seen[b.CapsuleID] {
			return QuorumResult{}, errkind.New("judicial.Quorum.Evaluate", errkind.InvariantViolation, "duplicate ballot: "+b.CapsuleID)
		}
		seen[b.CapsuleID] = true
		if b.Approve {
			approve++
		}
	}

	ratio := float64(approve) / float64(len(ballots))
	result := QuorumResult{Participants: len(ballots), ApproveCount: approve, Approved: ratio >= quorumFraction}
	if !result.Approved {
		result.Reason = "insufficient supermajority"
	}
	return result, nil
}
