package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/efm-runtime/efm/pkg/audit"
	efmcrypto "github.com/efm-runtime/efm/pkg/crypto"
	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/judicial"
)

func newTestPipeline(t *testing.T, stages []Stage) *Pipeline {
	t.Helper()
	signer, err := efmcrypto.NewEd25519Signer()
	require.NoError(t, err)
	log := audit.New(nil, audit.NewMemStore(), audit.NoopReplication{}, signer, audit.Sync, 16, nil)
	t.Cleanup(log.Close)
	return New(stages, DefaultBudgets(), log)
}

// Scenario 5 (constitutional precedence): a request that Reflex must
// block on an absolute prohibition should never reach Coherence, even
// when Coherence would have approved it. Reflex's rejection must be the
// terminating stage.
func TestReflexPrecedesCoherence(t *testing.T) {
	reflex := NewReflexStage(DefaultMotifs())
	coherenceCalled := false
	coherence := &spyStage{
		name: StageCoherence,
		fn: func(ctx context.Context, req Request) (Verdict, error) {
			coherenceCalled = true
			return Verdict{Approved: true}, nil
		},
	}

	p := newTestPipeline(t, []Stage{reflex, coherence})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "modify_vault",
		Context:   map[string]any{"sci": 1.0, "health": 1.0},
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageReflex, outcome.TerminatingStage)
	require.False(t, coherenceCalled, "coherence must not run once reflex has rejected")
}

// A request whose content hashes to a Reflex BLOCK motif is rejected
// with that motif's pattern id attached to the outcome, not just a
// free-text reason.
func TestReflexBlockCarriesMotifID(t *testing.T) {
	reflex := NewReflexStage(DefaultMotifs())
	p := newTestPipeline(t, []Stage{reflex})

	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "modify_vault",
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageReflex, outcome.TerminatingStage)
	require.Equal(t, "M2", outcome.MotifID)
}

func TestAllStagesApproveYieldsApprovedOutcome(t *testing.T) {
	reflex := NewReflexStage(DefaultMotifs())
	intuition := NewIntuitionStage(0.5)
	coherence := NewCoherenceStage(0.6, 0.5, 0.8)

	p := newTestPipeline(t, []Stage{reflex, intuition, coherence})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "propose_plan",
		Context:   map[string]any{"heuristic_score": 0.9, "sci": 0.9, "health": 0.9, "entropy": 0.2, "projected_entropy": 0.3},
	})
	require.NoError(t, err)
	require.True(t, outcome.Approved)
}

func TestCoherenceRejectsWhenEntropyDeltaExceedsMaximum(t *testing.T) {
	coherence := NewCoherenceStage(0.5, 0.5, 0.8)
	p := newTestPipeline(t, []Stage{coherence})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "propose_plan",
		Context:   map[string]any{"sci": 0.9, "health": 0.9, "entropy": 0.1, "projected_entropy": 0.95},
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageCoherence, outcome.TerminatingStage)
	require.InDelta(t, 0.85, outcome.Delta, 1e-9)
}

func TestCoherenceApprovesWhenEntropyDeltaWithinMaximum(t *testing.T) {
	coherence := NewCoherenceStage(0.5, 0.5, 0.8)
	p := newTestPipeline(t, []Stage{coherence})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "propose_plan",
		Context:   map[string]any{"sci": 0.9, "health": 0.9, "entropy": 0.1, "projected_entropy": 0.5},
	})
	require.NoError(t, err)
	require.True(t, outcome.Approved)
}

func TestIntuitionRejectsBelowThreshold(t *testing.T) {
	intuition := NewIntuitionStage(0.5)
	p := newTestPipeline(t, []Stage{intuition})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1", Action: "propose_plan",
		Context: map[string]any{"heuristic_score": 0.1},
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageIntuition, outcome.TerminatingStage)
}

// A near-miss against the motif library — close enough to raise
// suspicion but not an exact hash match — surfaces the nearest motif's
// id and similarity score in the rejection, not just the raw threshold
// comparison.
func TestIntuitionRejectionCarriesNearestMotif(t *testing.T) {
	intuition := NewIntuitionStage(0.5)
	p := newTestPipeline(t, []Stage{intuition})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1", Action: "propose_plan",
		Context: map[string]any{"heuristic_score": 0.2, "nearest_motif_id": "M2", "similarity": 0.83},
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, "M2", outcome.MotifID)
	require.InDelta(t, 0.83, outcome.Similarity, 0.001)
}

func TestArbiterDeniesFailingPredicate(t *testing.T) {
	pred, err := CompilePredicate("no_terminate_self", `action != "terminate_self"`)
	require.NoError(t, err)
	arbiter := NewArbiterStage([]ConstitutionalPredicate{pred}, nil)

	p := newTestPipeline(t, []Stage{arbiter})
	outcome, err := p.Evaluate(context.Background(), Request{CapsuleID: "cap-1", Action: "terminate_self"})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageArbiter, outcome.TerminatingStage)
}

func TestArbiterApprovesPassingPredicate(t *testing.T) {
	pred, err := CompilePredicate("no_terminate_self", `action != "terminate_self"`)
	require.NoError(t, err)
	arbiter := NewArbiterStage([]ConstitutionalPredicate{pred}, nil)

	p := newTestPipeline(t, []Stage{arbiter})
	outcome, err := p.Evaluate(context.Background(), Request{CapsuleID: "cap-1", Action: "propose_plan"})
	require.NoError(t, err)
	require.True(t, outcome.Approved)
}

func TestArbiterDeniesOnHighConfidencePrecedent(t *testing.T) {
	precedents := judicial.NewPrecedentCourt()
	precedents.Record(judicial.Precedent{ID: "prec-1", Tags: []string{"resource_grab", "unbounded"}, Outcome: "DENY", SupportCount: 9, OpposeCount: 1})
	arbiter := NewArbiterStage(nil, precedents)

	p := newTestPipeline(t, []Stage{arbiter})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "request_allocation",
		Tags:      []string{"resource_grab", "unbounded"},
	})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageArbiter, outcome.TerminatingStage)
}

func TestArbiterApprovesWhenPrecedentIsContested(t *testing.T) {
	precedents := judicial.NewPrecedentCourt()
	precedents.Record(judicial.Precedent{ID: "prec-2", Tags: []string{"resource_grab", "unbounded"}, Outcome: "DENY", SupportCount: 5, OpposeCount: 5})
	arbiter := NewArbiterStage(nil, precedents)

	p := newTestPipeline(t, []Stage{arbiter})
	outcome, err := p.Evaluate(context.Background(), Request{
		CapsuleID: "cap-1",
		Action:    "request_allocation",
		Tags:      []string{"resource_grab", "unbounded"},
	})
	require.NoError(t, err)
	require.True(t, outcome.Approved)
}

// A Reflex/Intuition/Coherence timeout is a conservative failure: the
// pipeline treats it as inconclusive and continues to the next stage
// rather than aborting the evaluation.
func TestReflexTimeoutContinuesToNextStage(t *testing.T) {
	slowReflex := &spyStage{
		name: StageReflex,
		fn: func(ctx context.Context, req Request) (Verdict, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return Verdict{Approved: true}, nil
			case <-ctx.Done():
				return Verdict{}, ctx.Err()
			}
		},
	}
	coherenceCalled := false
	coherence := &spyStage{
		name: StageCoherence,
		fn: func(ctx context.Context, req Request) (Verdict, error) {
			coherenceCalled = true
			return Verdict{Approved: true}, nil
		},
	}
	p := newTestPipeline(t, []Stage{slowReflex, coherence})
	outcome, err := p.Evaluate(context.Background(), Request{CapsuleID: "cap-1", Action: "propose_plan"})
	require.NoError(t, err)
	require.True(t, outcome.Approved)
	require.True(t, coherenceCalled, "pipeline must fall through to the next stage after a Reflex timeout")
}

// An Arbiter (or Deliberation) timeout is not a conservative failure: it
// rejects the whole evaluation with a typed latency error rather than
// letting the request through unreviewed.
func TestArbiterTimeoutEscalates(t *testing.T) {
	slowArbiter := &spyStage{
		name: StageArbiter,
		fn: func(ctx context.Context, req Request) (Verdict, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return Verdict{Approved: true}, nil
			case <-ctx.Done():
				return Verdict{}, ctx.Err()
			}
		},
	}
	p := newTestPipeline(t, []Stage{slowArbiter})
	_, err := p.Evaluate(context.Background(), Request{CapsuleID: "cap-1", Action: "propose_plan"})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.LatencyBudgetExceeded))
}

func TestDeliberationIsTerminalAndUnbudgeted(t *testing.T) {
	deliberation := NewDeliberationStage(func(ctx context.Context, req Request) (Verdict, error) {
		return Verdict{Approved: false, Reason: "escalated to human operator, denied"}, nil
	})
	p := newTestPipeline(t, []Stage{deliberation})
	outcome, err := p.Evaluate(context.Background(), Request{CapsuleID: "cap-1", Action: "spawn_child"})
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, StageDeliberation, outcome.TerminatingStage)
}

type spyStage struct {
	name StageName
	fn   DeliberationFunc
}

func (s *spyStage) Name() StageName { return s.name }
func (s *spyStage) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	return s.fn(ctx, req)
}
