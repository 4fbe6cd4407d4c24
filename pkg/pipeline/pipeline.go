// Package pipeline implements the five-stage decision pipeline: Reflex,
// Intuition, Coherence, Arbiter, and Deliberation, following the
// kernel.PDPEvaluator/EffectBoundary staged-decision shape generalized
// from a single PDP call into an ordered stage chain, with per-stage
// latency budgets enforced the way the CEL-DP evaluator enforces its
// own hard timeout.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageReflex       StageName = "Reflex"
	StageIntuition    StageName = "Intuition"
	StageCoherence    StageName = "Coherence"
	StageArbiter      StageName = "Arbiter"
	StageDeliberation StageName = "Deliberation"
)

// DefaultBudgets are the per-stage latency ceilings. Deliberation has no
// fixed ceiling; it is bounded only by the caller's context deadline.
func DefaultBudgets() map[StageName]time.Duration {
	return map[StageName]time.Duration{
		StageReflex:    10 * time.Millisecond,
		StageIntuition: 20 * time.Millisecond,
		StageCoherence: 30 * time.Millisecond,
		StageArbiter:   100 * time.Millisecond,
	}
}

// Request is one action proposed by a capsule for pipeline evaluation.
// Tags classifies the situation for precedent citation; Arbiter is the
// only stage that reads it.
type Request struct {
	CapsuleID string
	Action    string
	Tick      clock.Tick
	Context   map[string]any
	Tags      []string
}

// Verdict is one stage's outcome. MotifID and Similarity are populated
// only by stages that reject against the motif library (Reflex's exact
// match, Intuition's approximate nearest-motif match); Delta is
// populated only by Coherence's projected-entropy-delta rejection.
// Stages that don't produce these leave them zero-valued.
type Verdict struct {
	Approved   bool
	Reason     string
	MotifID    string  `json:"motif_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Delta      float64 `json:"delta,omitempty"`
}

// Stage evaluates one request. Implementations must return within their
// configured budget; the Pipeline enforces this externally via context.
type Stage interface {
	Name() StageName
	Evaluate(ctx context.Context, req Request) (Verdict, error)
}

// Outcome is the pipeline's overall result for one request.
type Outcome struct {
	Approved         bool
	TerminatingStage StageName
	Reason           string
	MotifID          string  `json:"motif_id,omitempty"`
	Similarity       float64 `json:"similarity,omitempty"`
	Delta            float64 `json:"delta,omitempty"`
}

// failClosedOnTimeout reports whether a stage exceeding its latency
// budget aborts the whole evaluation. Reflex, Intuition, and Coherence
// are conservative-failure stages: a timeout there is treated as an
// inconclusive result and evaluation continues to the next stage.
// Arbiter and Deliberation timeouts reject the request outright with a
// typed LatencyBudgetExceeded error, since skipping constitutional or
// deliberative review is not a safe default.
func failClosedOnTimeout(name StageName) bool {
	switch name {
	case StageArbiter, StageDeliberation:
		return true
	default:
		return false
	}
}

// eventForStage maps a rejecting stage to its typed audit event, keeping
// exactly one audit entry per terminating stage.
func eventForStage(name StageName) audit.EventType {
	switch name {
	case StageReflex:
		return audit.EventReflexBlock
	case StageIntuition:
		return audit.EventIntuitionReject
	case StageCoherence:
		return audit.EventCoherenceReject
	case StageArbiter:
		return audit.EventArbiterDeny
	default:
		return audit.EventDeliberationRefuse
	}
}

// Pipeline runs the ordered stage chain, stopping at the first rejection
// (first-rejecting-stage-wins). An Arbiter or Deliberation latency-budget
// breach aborts with a typed LatencyBudgetExceeded error; a breach in an
// earlier stage is logged and evaluation continues (see
// failClosedOnTimeout).
type Pipeline struct {
	stages  []Stage
	budgets map[StageName]time.Duration
	audit   *audit.Log
	tracer  trace.Tracer
}

// New builds a Pipeline from stages in evaluation order (Reflex first).
func New(stages []Stage, budgets map[StageName]time.Duration, log *audit.Log) *Pipeline {
	return &Pipeline{stages: stages, budgets: budgets, audit: log, tracer: otel.Tracer("efm/pipeline")}
}

// Evaluate runs req through every stage in order, stopping at the first
// stage that rejects. Exactly one audit entry is written: for the
// terminating (rejecting) stage, or none if every stage approves — the
// caller is responsible for logging the ultimate action taken on
// approval, which belongs to a different event category.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Evaluate")
	defer span.End()

	for _, stage := range p.stages {
		stageCtx := ctx
		var cancel context.CancelFunc
		if budget, ok := p.budgets[stage.Name()]; ok {
			stageCtx, cancel = context.WithTimeout(ctx, budget)
		}

		_, stageSpan := p.tracer.Start(stageCtx, "pipeline.stage."+string(stage.Name()))
		verdict, err := stage.Evaluate(stageCtx, req)
		stageSpan.End()
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if stageCtx.Err() != nil {
				if failClosedOnTimeout(stage.Name()) {
					return Outcome{}, errkind.New("pipeline.Evaluate", errkind.LatencyBudgetExceeded, string(stage.Name())+" exceeded its latency budget")
				}
				slog.Default().Warn("pipeline: stage exceeded its latency budget, continuing conservatively", "stage", stage.Name(), "capsule", req.CapsuleID)
				continue
			}
			return Outcome{}, err
		}

		if !verdict.Approved {
			outcome := Outcome{
				Approved:         false,
				TerminatingStage: stage.Name(),
				Reason:           verdict.Reason,
				MotifID:          verdict.MotifID,
				Similarity:       verdict.Similarity,
				Delta:            verdict.Delta,
			}
			if _, aerr := p.audit.Append(ctx, "pipeline", eventForStage(stage.Name()), req.Tick, req.CapsuleID, mustJSON(outcome)); aerr != nil {
				return outcome, aerr
			}
			return outcome, nil
		}
	}

	return Outcome{Approved: true}, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
