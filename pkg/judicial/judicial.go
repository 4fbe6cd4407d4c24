package judicial

import (
	"context"
	"encoding/json"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/clock"
)

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Court composes the Precedent Court, Quorum, and Conflict Tribunal
// behind a single audited entry point, the way SpawnGovernor and
// sandbox.Enforcer compose their underlying primitives elsewhere in the
// runtime.
type Court struct {
	Precedents *PrecedentCourt
	Quorum     *Quorum
	Tribunal   *ConflictTribunal
	audit      *audit.Log
}

// NewCourt constructs a Court with fresh Precedent Court, Quorum, and
// Tribunal instances.
func NewCourt(log *audit.Log) *Court {
	return &Court{
		Precedents: NewPrecedentCourt(),
		Quorum:     NewQuorum(),
		Tribunal:   NewConflictTribunal(),
		audit:      log,
	}
}

type policyVotePayload struct {
	ProposalID   string `json:"proposal_id"`
	Approved     bool   `json:"approved"`
	Participants int    `json:"participants"`
	ApproveCount int    `json:"approve_count"`
	Reason       string `json:"reason,omitempty"`
}

// DecideByQuorum evaluates ballots and appends exactly one POLICY_VOTE
// audit entry recording the outcome, whether or not the quorum passed.
func (c *Court) DecideByQuorum(ctx context.Context, proposalID string, ballots []Ballot, timedOut bool, tick clock.Tick) (QuorumResult, error) {
	result, err := c.Quorum.Evaluate(ballots, timedOut)
	if err != nil {
		result = QuorumResult{Reason: err.Error()}
	}
	payload := mustJSON(policyVotePayload{
		ProposalID:   proposalID,
		Approved:     result.Approved,
		Participants: result.Participants,
		ApproveCount: result.ApproveCount,
		Reason:       result.Reason,
	})
	if _, appendErr := c.audit.Append(ctx, "judicial.Court", audit.EventPolicyVote, tick, "", payload); appendErr != nil {
		return result, appendErr
	}
	return result, err
}

type precedentPayload struct {
	PrecedentID   string        `json:"precedent_id"`
	Similarity    float64       `json:"similarity"`
	Applicability Applicability `json:"applicability"`
}

// CitePrecedent applies the most similar recorded precedent and, when
// one is found, appends a PRECEDENT_ESTABLISHED audit entry citing it.
func (c *Court) CitePrecedent(ctx context.Context, situationTags []string, tick clock.Tick) (CitationResult, bool, error) {
	result, ok := c.Precedents.Apply(situationTags)
	if !ok {
		return result, false, nil
	}
	payload := mustJSON(precedentPayload{
		PrecedentID:   result.Precedent.ID,
		Similarity:    result.Similarity,
		Applicability: result.Applicability,
	})
	if _, err := c.audit.Append(ctx, "judicial.Court", audit.EventPrecedentEstablished, tick, "", payload); err != nil {
		return result, true, err
	}
	return result, true, nil
}
