// Package judicial implements the Precedent Court, Quorum voting, the
// Conflict Tribunal, and the Swarm Coherence Index, following the
// governance package's SwarmPDP.MergeDecisions for the fail-closed
// vote-merging discipline, and Corroborator for the
// multiple-independent-witnesses pattern that Quorum and the Tribunal's
// jury generalize.
package judicial

import (
	"sort"
	"sync"

	"github.com/efm-runtime/efm/pkg/errkind"
)

// Precedent is one recorded prior decision available for citation.
type Precedent struct {
	ID           string
	Tags         []string
	Outcome      string
	SupportCount int
	OpposeCount  int
}

// supportRatio is SupportCount / (SupportCount + OpposeCount); a
// precedent with no votes at all has ratio 0.
func (p Precedent) supportRatio() float64 {
	total := p.SupportCount + p.OpposeCount
	if total == 0 {
		return 0
	}
	return float64(p.SupportCount) / float64(total)
}

// Applicability is the Precedent Court's verdict on citing a precedent.
type Applicability string

const (
	Applicable    Applicability = "applicable"
	Contested     Applicability = "contested"
	NotApplicable Applicability = "not_applicable"
)

const (
	applicableThreshold = 0.75
	contestedThreshold  = 0.50
	similarityThreshold = 0.80
)

// jaccard computes set similarity between two tag lists, the same
// deterministic similarity metric used to compare precedent situations.
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA)
	for t := range setB {
		if !setA[t] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// PrecedentCourt stores and cites precedents by situation similarity.
type PrecedentCourt struct {
	mu         sync.RWMutex
	precedents map[string]*Precedent
}

// NewPrecedentCourt constructs an empty PrecedentCourt.
func NewPrecedentCourt() *PrecedentCourt {
	return &PrecedentCourt{precedents: make(map[string]*Precedent)}
}

// Record adds or replaces a precedent.
func (c *PrecedentCourt) Record(p Precedent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := p
	c.precedents[p.ID] = &stored
}

// Vote adjusts a precedent's support/oppose tally, used as new decisions
// cite or distinguish it.
func (c *PrecedentCourt) Vote(id string, support bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.precedents[id]
	if !ok {
		return errkind.New("judicial.Vote", errkind.UnknownCapsule, "no such precedent: "+id)
	}
	if support {
		p.SupportCount++
	} else {
		p.OpposeCount++
	}
	return nil
}

// CitationResult is the outcome of applying the most similar precedent
// to a new situation.
type CitationResult struct {
	Precedent     Precedent
	Similarity    float64
	Applicability Applicability
}

// Apply finds the most similar precedent to situationTags and returns
// its applicability. A precedent below the similarity threshold is never
// cited, regardless of its support ratio.
func (c *PrecedentCourt) Apply(situationTags []string) (CitationResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Precedent
	bestSim := 0.0
	ids := make([]string, 0, len(c.precedents))
	for id := range c.precedents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := c.precedents[id]
		sim := jaccard(situationTags, p.Tags)
		if sim > bestSim {
			bestSim = sim
			best = p
		}
	}

	if best == nil || bestSim < similarityThreshold {
		return CitationResult{}, false
	}

	ratio := best.supportRatio()
	applicability := NotApplicable
	switch {
	case ratio >= applicableThreshold:
		applicability = Applicable
	case ratio >= contestedThreshold:
		applicability = Contested
	}
	return CitationResult{Precedent: *best, Similarity: bestSim, Applicability: applicability}, true
}
