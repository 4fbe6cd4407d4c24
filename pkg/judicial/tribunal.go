package judicial

import (
	"sort"

	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/registry"
)

const (
	jurySize       = 7
	minJurorHealth = 0.50
)

// lineageConflicted reports whether candidate shares an immediate
// lineage relationship with any party to the dispute: a direct
// parent/child link, or a common parent (sibling).
func lineageConflicted(candidate registry.Snapshot, parties []registry.Snapshot) bool {
	for _, party := range parties {
		if candidate.ID == party.ID {
			return true
		}
		if candidate.ParentID != "" && candidate.ParentID == party.ID {
			return true
		}
		if party.ParentID != "" && party.ParentID == candidate.ID {
			return true
		}
		if candidate.ParentID != "" && candidate.ParentID == party.ParentID {
			return true
		}
	}
	return false
}

// ConflictTribunal selects an impartial jury and renders a verdict by
// majority. Jury selection excludes the disputing parties themselves,
// capsules below the health floor, and anyone lineage-conflicted with a
// party, following the SwarmPDP evaluator-selection discipline,
// generalized from "run every registered policy" to "seat an impartial
// subset".
type ConflictTribunal struct{}

// NewConflictTribunal constructs a ConflictTribunal.
func NewConflictTribunal() *ConflictTribunal { return &ConflictTribunal{} }

// SelectJury picks exactly jurySize eligible candidates, the first by
// capsule id so selection is reproducible given the same candidate pool,
// and fails with Rejected if fewer than jurySize are eligible.
func (t *ConflictTribunal) SelectJury(candidates []registry.Snapshot, parties []registry.Snapshot) ([]registry.Snapshot, error) {
	eligible := make([]registry.Snapshot, 0, len(candidates))
	for _, c := range candidates {
		if c.Status != registry.StatusActive {
			continue
		}
		if c.Composite < minJurorHealth {
			continue
		}
		if lineageConflicted(c, parties) {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) < jurySize {
		return nil, errkind.New("judicial.ConflictTribunal.SelectJury", errkind.Rejected, "insufficient eligible jurors")
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible[:jurySize], nil
}

// Verdict is the Tribunal's ruling on a dispute.
type Verdict struct {
	Uphold    bool
	VoteFor   int
	VoteTotal int
}

// Render tallies juror ballots. A tied vote does not uphold the
// complaint — the tribunal only acts on an actual majority.
func (t *ConflictTribunal) Render(ballots []Ballot) Verdict {
	voteFor := 0
	for _, b := range ballots {
		if b.Approve {
			voteFor++
		}
	}
	return Verdict{Uphold: voteFor*2 > len(ballots), VoteFor: voteFor, VoteTotal: len(ballots)}
}
