package pipeline

import (
	"context"

	"github.com/efm-runtime/efm/pkg/canonicalize"
)

// MotifAnchor is one pre-hashed pattern anchor in the Reflex motif
// library. ContentHash is computed once, when the library is loaded,
// from pattern content that is authored and rotated independently of
// the rest of the runtime's configuration; Evaluate never re-derives it
// from anything but the anchor itself, so a config reload is the only
// way the set of blocked patterns changes.
type MotifAnchor struct {
	PatternID   string
	ContentHash string
	Reason      string
}

// HashMotifContent computes the pre-hashed anchor form of raw pattern
// content, the same domain-separated SHA-256 digest ReflexContentHash
// derives from an incoming request's action. A motif library loader
// calls this once per entry at load time; Evaluate never calls it.
func HashMotifContent(content string) string {
	return canonicalize.Hash(canonicalize.DomainBytes("efm:pipeline:reflex-motif:v1", []byte(content)))
}

// ReflexContentHash computes the anchor hash of an incoming request's
// action, matched against the loaded motif library's ContentHash values
// exactly, with no similarity or fuzzy comparison at this stage.
func ReflexContentHash(req Request) string {
	return HashMotifContent(req.Action)
}

// ReflexStage exact-matches an incoming request's content hash against a
// loaded motif library of pre-hashed anchors — the cheapest possible
// check, and the one that must run and block before any context-
// dependent stage (Coherence) is even reached.
type ReflexStage struct {
	motifs map[string]MotifAnchor // keyed by ContentHash
}

// NewReflexStage builds a ReflexStage from a loaded motif library.
func NewReflexStage(motifs []MotifAnchor) *ReflexStage {
	s := &ReflexStage{motifs: make(map[string]MotifAnchor, len(motifs))}
	for _, m := range motifs {
		s.motifs[m.ContentHash] = m
	}
	return s
}

func (s *ReflexStage) Name() StageName { return StageReflex }

func (s *ReflexStage) Evaluate(_ context.Context, req Request) (Verdict, error) {
	if anchor, blocked := s.motifs[ReflexContentHash(req)]; blocked {
		return Verdict{Approved: false, Reason: anchor.Reason, MotifID: anchor.PatternID}, nil
	}
	return Verdict{Approved: true}, nil
}

// DefaultMotifs returns the reference motif library Reflex enforces when
// no externally-supplied library is configured. Pattern IDs follow the
// M<n> convention used by the runtime's own worked examples.
func DefaultMotifs() []MotifAnchor {
	entries := []struct {
		id      string
		content string
		reason  string
	}{
		{"M1", "self_replicate_unbounded", "unbounded self-replication is constitutionally prohibited"},
		{"M2", "modify_vault", "capsules may never modify the Vault"},
		{"M3", "disable_audit", "capsules may never disable the audit log"},
	}
	out := make([]MotifAnchor, 0, len(entries))
	for _, e := range entries {
		out = append(out, MotifAnchor{PatternID: e.id, ContentHash: HashMotifContent(e.content), Reason: e.reason})
	}
	return out
}

// IntuitionStage rejects when a fast heuristic score, precomputed by the
// caller and passed in Request.Context, falls below a threshold. The
// heuristic itself is an approximate nearest-motif similarity search run
// upstream of the pipeline (an embedding lookup against the same motif
// library Reflex matches exactly); when the caller identifies which
// motif the request came closest to, IntuitionStage carries that id and
// score through into its rejection so the audit trail shows why a
// request was rejected on suspicion rather than a hard match.
type IntuitionStage struct {
	threshold float64
}

// NewIntuitionStage builds an IntuitionStage with the given minimum
// acceptable heuristic score.
func NewIntuitionStage(threshold float64) *IntuitionStage {
	return &IntuitionStage{threshold: threshold}
}

func (s *IntuitionStage) Name() StageName { return StageIntuition }

func (s *IntuitionStage) Evaluate(_ context.Context, req Request) (Verdict, error) {
	score, _ := req.Context["heuristic_score"].(float64)
	if score < s.threshold {
		motifID, _ := req.Context["nearest_motif_id"].(string)
		similarity, _ := req.Context["similarity"].(float64)
		return Verdict{
			Approved:   false,
			Reason:     "heuristic score below acceptance threshold",
			MotifID:    motifID,
			Similarity: similarity,
		}, nil
	}
	return Verdict{Approved: true}, nil
}

// CoherenceStage rejects a request whose projected entropy delta exceeds
// maxEntropyDelta, or whose proposing capsule's swarm coherence index or
// health composite falls below configured minimums. The entropy-delta
// check runs first, since it is the stage's primary rejection contract;
// the SCI/health floors are a secondary defense against a capsule that
// is already unhealthy proposing further action.
type CoherenceStage struct {
	minSCI          float64
	minHealth       float64
	maxEntropyDelta float64
}

// NewCoherenceStage builds a CoherenceStage.
func NewCoherenceStage(minSCI, minHealth, maxEntropyDelta float64) *CoherenceStage {
	return &CoherenceStage{minSCI: minSCI, minHealth: minHealth, maxEntropyDelta: maxEntropyDelta}
}

func (s *CoherenceStage) Name() StageName { return StageCoherence }

func (s *CoherenceStage) Evaluate(_ context.Context, req Request) (Verdict, error) {
	currentEntropy, _ := req.Context["entropy"].(float64)
	projectedEntropy, _ := req.Context["projected_entropy"].(float64)
	delta := projectedEntropy - currentEntropy
	if delta > s.maxEntropyDelta {
		return Verdict{Approved: false, Reason: "projected entropy delta exceeds maximum", Delta: delta}, nil
	}

	sci, _ := req.Context["sci"].(float64)
	health, _ := req.Context["health"].(float64)
	if sci < s.minSCI {
		return Verdict{Approved: false, Reason: "swarm coherence index below minimum"}, nil
	}
	if health < s.minHealth {
		return Verdict{Approved: false, Reason: "health composite below minimum"}, nil
	}
	return Verdict{Approved: true}, nil
}

// DeliberationFunc defers a decision to an external, open-ended process
// (the Judicial subsystem, an operator, or a longer-running heuristic).
// It is the only stage without a fixed budget: it runs until it returns
// or the pipeline's own context is cancelled.
type DeliberationFunc func(ctx context.Context, req Request) (Verdict, error)

// DeliberationStage wraps a DeliberationFunc as the terminal pipeline
// stage.
type DeliberationStage struct {
	fn DeliberationFunc
}

// NewDeliberationStage builds a DeliberationStage.
func NewDeliberationStage(fn DeliberationFunc) *DeliberationStage {
	return &DeliberationStage{fn: fn}
}

func (s *DeliberationStage) Name() StageName { return StageDeliberation }

func (s *DeliberationStage) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	return s.fn(ctx, req)
}
